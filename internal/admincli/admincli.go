// SPDX-License-Identifier: MIT

// Package admincli provides the interactive and flag-driven
// administrative surface over a running SourceManager: add/remove/
// enable/disable/force-failover/query, the same pure-data operations
// spec.md names, bound three ways per its expansion — this package's
// Wizard (interactive), ParseSourceArgs (non-interactive flags), and
// the Controller interface itself (direct embedding).
//
// Adapted from internal/menu/menu.go's huh-on-a-real-terminal /
// scanner-on-anything-else split (menu.Menu.Display dispatches to
// displayWithScanner whenever its input isn't os.Stdin). One
// difference from the teacher's per-call helpers (menu.Input/
// menu.Confirm/menu.Select): those each construct a fresh
// bufio.Scanner over the shared reader on every call, which only
// ever consumes the first line correctly — a second call against the
// same io.Reader sees EOF, because the first bufio.Scanner already
// pulled the rest of the buffered input into its own private buffer
// when satisfying its single Scan(). Adding a source needs several
// fields in sequence, so the scripted path here keeps one
// *bufio.Scanner alive for the whole session instead.
package admincli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/KR8MER/eas-station-sub008/internal/config"
	"github.com/KR8MER/eas-station-sub008/internal/manager"
	"github.com/KR8MER/eas-station-sub008/internal/source"
)

// Controller is the subset of *manager.Manager the wizard drives.
// Defined as an interface so a Wizard can run against either a live
// manager (an operator session against the running daemon's
// in-process instance) or a throwaway one constructed purely to
// validate configuration edits before they are saved.
type Controller interface {
	AddSource(sc config.SourceConfig) error
	RemoveSource(name string) error
	SetEnabled(name string, enabled bool) error
	ForceFailover(name string) error
	ActiveSource() string
	GetAllMetrics() map[string]source.Metrics
	GetFailoverHistory(limit int) []manager.FailoverEvent
}

var sourceKinds = []string{"http", "sdr", "line"}

// Wizard drives interactive administration of a Controller, keeping
// the backing configuration (so operator edits can be persisted)
// alongside it.
type Wizard struct {
	ctrl    Controller
	cfg     *config.Config
	cfgPath string
	input   io.Reader
	output  io.Writer
}

// Option configures a Wizard.
type Option func(*Wizard)

// WithInput overrides stdin, mainly for tests.
func WithInput(r io.Reader) Option {
	return func(w *Wizard) { w.input = r }
}

// WithOutput overrides stdout, mainly for tests.
func WithOutput(out io.Writer) Option {
	return func(w *Wizard) { w.output = out }
}

// New builds a Wizard over ctrl, persisting any configuration changes
// to cfgPath via cfg.Save. cfgPath == "" skips persistence (useful
// when driving a throwaway validation manager).
func New(ctrl Controller, cfg *config.Config, cfgPath string, opts ...Option) *Wizard {
	w := &Wizard{
		ctrl:    ctrl,
		cfg:     cfg,
		cfgPath: cfgPath,
		input:   os.Stdin,
		output:  os.Stdout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run displays the top-level menu until the operator exits. A real
// terminal (input == os.Stdin) gets huh forms; anything else (tests,
// piped input) gets the scripted scanner-driven fallback.
func (w *Wizard) Run() error {
	if w.input != os.Stdin {
		return w.runScripted()
	}
	return w.runInteractive()
}

// --- scripted (non-TTY) path --------------------------------------

const mainMenuText = `
Source Administration
  1. Add source
  2. Remove source
  3. Enable / disable source
  4. Force failover
  5. Show status
  6. Show failover history
  0. Quit
`

func (w *Wizard) runScripted() error {
	scanner := bufio.NewScanner(w.input)
	for {
		_, _ = fmt.Fprint(w.output, mainMenuText)
		_, _ = fmt.Fprint(w.output, "Select option: ")
		if !scanner.Scan() {
			return nil
		}
		choice := strings.TrimSpace(scanner.Text())

		var err error
		switch choice {
		case "1":
			err = w.addSourceScripted(scanner)
		case "2":
			err = w.removeSourceScripted(scanner)
		case "3":
			err = w.toggleSourceScripted(scanner)
		case "4":
			err = w.forceFailoverScripted(scanner)
		case "5":
			w.showStatus()
		case "6":
			w.showHistory()
		case "0", "q", "Q", "":
			return nil
		default:
			_, _ = fmt.Fprintf(w.output, "Unrecognized option %q\n", choice)
		}
		if err != nil {
			_, _ = fmt.Fprintf(w.output, "Error: %v\n", err)
		}
	}
}

func readLine(scanner *bufio.Scanner, w io.Writer, prompt string) (string, bool) {
	_, _ = fmt.Fprintf(w, "%s: ", prompt)
	if !scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(scanner.Text()), true
}

func readConfirm(scanner *bufio.Scanner, w io.Writer, prompt string) bool {
	_, _ = fmt.Fprintf(w, "%s [y/N]: ", prompt)
	if !scanner.Scan() {
		return false
	}
	resp := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return resp == "y" || resp == "yes"
}

func (w *Wizard) addSourceScripted(scanner *bufio.Scanner) error {
	sc, err := promptSourceFields(scanner, w.output)
	if err != nil {
		return err
	}
	return w.commitAddSource(sc)
}

// promptSourceFields reads every SourceConfig field in sequence off
// one shared scanner.
func promptSourceFields(scanner *bufio.Scanner, out io.Writer) (config.SourceConfig, error) {
	name, ok := readLine(scanner, out, "Source name")
	if !ok || name == "" {
		return config.SourceConfig{}, fmt.Errorf("name cannot be empty")
	}

	kindLine, ok := readLine(scanner, out, fmt.Sprintf("Source kind (%s)", strings.Join(sourceKinds, "/")))
	if !ok {
		return config.SourceConfig{}, fmt.Errorf("kind is required")
	}
	kind := strings.ToLower(strings.TrimSpace(kindLine))
	if kind == "" {
		kind = "http"
	}
	if !isValidKind(kind) {
		return config.SourceConfig{}, fmt.Errorf("kind must be one of %s (got %q)", strings.Join(sourceKinds, ", "), kind)
	}

	uri, ok := readLine(scanner, out, "Source URI")
	if !ok || uri == "" {
		return config.SourceConfig{}, fmt.Errorf("uri cannot be empty")
	}

	priorityLine, ok := readLine(scanner, out, "Priority (lower is preferred, e.g. 1)")
	if !ok {
		return config.SourceConfig{}, fmt.Errorf("priority is required")
	}
	priority, err := strconv.Atoi(priorityLine)
	if err != nil {
		return config.SourceConfig{}, fmt.Errorf("priority must be an integer: %w", err)
	}

	enabled := readConfirm(scanner, out, "Enable this source now?")

	return config.SourceConfig{
		Name:     name,
		Kind:     kind,
		URI:      uri,
		Priority: priority,
		Enabled:  enabled,
	}, nil
}

func isValidKind(kind string) bool {
	for _, k := range sourceKinds {
		if kind == k {
			return true
		}
	}
	return false
}

func (w *Wizard) removeSourceScripted(scanner *bufio.Scanner) error {
	name, ok := readLine(scanner, w.output, "Source name to remove")
	if !ok || name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if !readConfirm(scanner, w.output, fmt.Sprintf("Remove source %q?", name)) {
		return nil
	}
	return w.commitRemoveSource(name)
}

func (w *Wizard) toggleSourceScripted(scanner *bufio.Scanner) error {
	name, ok := readLine(scanner, w.output, "Source name")
	if !ok || name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	enable := readConfirm(scanner, w.output, fmt.Sprintf("Enable %q (No = disable)?", name))
	return w.commitSetEnabled(name, enable)
}

func (w *Wizard) forceFailoverScripted(scanner *bufio.Scanner) error {
	name, ok := readLine(scanner, w.output, "Source name to force active")
	if !ok || name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	return w.commitForceFailover(name)
}

// --- interactive (TTY) path -----------------------------------------

func (w *Wizard) runInteractive() error {
	for {
		var choice string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title("Source Administration").
				Options(
					huh.NewOption("Add source", "1"),
					huh.NewOption("Remove source", "2"),
					huh.NewOption("Enable / disable source", "3"),
					huh.NewOption("Force failover", "4"),
					huh.NewOption("Show status", "5"),
					huh.NewOption("Show failover history", "6"),
					huh.NewOption("Quit", "0"),
				).
				Value(&choice),
		))
		if err := form.Run(); err != nil {
			if err == huh.ErrUserAborted {
				return nil
			}
			return err
		}

		var err error
		switch choice {
		case "1":
			err = w.addSourceInteractive()
		case "2":
			err = w.removeSourceInteractive()
		case "3":
			err = w.toggleSourceInteractive()
		case "4":
			err = w.forceFailoverInteractive()
		case "5":
			w.showStatus()
		case "6":
			w.showHistory()
		default:
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintf(w.output, "Error: %v\n", err)
		}
	}
}

func (w *Wizard) addSourceInteractive() error {
	var name, kind, uri string
	var priorityStr string
	var enabled bool
	kind = "http"

	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Source name").Value(&name),
		huh.NewSelect[string]().Title("Source kind").
			Options(huh.NewOption("http", "http"), huh.NewOption("sdr", "sdr"), huh.NewOption("line", "line")).
			Value(&kind),
		huh.NewInput().Title("Source URI").Value(&uri),
		huh.NewInput().Title("Priority").Value(&priorityStr),
		huh.NewConfirm().Title("Enable this source now?").Value(&enabled),
	))
	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			return nil
		}
		return err
	}

	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if uri == "" {
		return fmt.Errorf("uri cannot be empty")
	}
	priority, err := strconv.Atoi(strings.TrimSpace(priorityStr))
	if err != nil {
		return fmt.Errorf("priority must be an integer: %w", err)
	}

	return w.commitAddSource(config.SourceConfig{Name: name, Kind: kind, URI: uri, Priority: priority, Enabled: enabled})
}

func (w *Wizard) removeSourceInteractive() error {
	var name string
	var confirmed bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Source name to remove").Value(&name),
	))
	if err := form.Run(); err != nil {
		return huhOrNil(err)
	}
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	confirmForm := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title(fmt.Sprintf("Remove source %q?", name)).Value(&confirmed),
	))
	if err := confirmForm.Run(); err != nil {
		return huhOrNil(err)
	}
	if !confirmed {
		return nil
	}
	return w.commitRemoveSource(name)
}

func (w *Wizard) toggleSourceInteractive() error {
	var name string
	var enable bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Source name").Value(&name),
		huh.NewConfirm().Title("Enable this source? (No = disable)").Value(&enable),
	))
	if err := form.Run(); err != nil {
		return huhOrNil(err)
	}
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	return w.commitSetEnabled(name, enable)
}

func (w *Wizard) forceFailoverInteractive() error {
	var name string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Source name to force active").Value(&name),
	))
	if err := form.Run(); err != nil {
		return huhOrNil(err)
	}
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	return w.commitForceFailover(name)
}

func huhOrNil(err error) error {
	if err == huh.ErrUserAborted {
		return nil
	}
	return err
}

// --- shared commit/report logic, independent of input path ----------

func (w *Wizard) commitAddSource(sc config.SourceConfig) error {
	if err := w.ctrl.AddSource(sc); err != nil {
		return fmt.Errorf("add source: %w", err)
	}
	w.cfg.Sources = append(w.cfg.Sources, sc)
	return w.persist()
}

func (w *Wizard) commitRemoveSource(name string) error {
	if err := w.ctrl.RemoveSource(name); err != nil {
		return fmt.Errorf("remove source: %w", err)
	}
	for i, sc := range w.cfg.Sources {
		if sc.Name == name {
			w.cfg.Sources = append(w.cfg.Sources[:i], w.cfg.Sources[i+1:]...)
			break
		}
	}
	return w.persist()
}

func (w *Wizard) commitSetEnabled(name string, enabled bool) error {
	if err := w.ctrl.SetEnabled(name, enabled); err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	for i, sc := range w.cfg.Sources {
		if sc.Name == name {
			w.cfg.Sources[i].Enabled = enabled
			break
		}
	}
	return w.persist()
}

func (w *Wizard) commitForceFailover(name string) error {
	if err := w.ctrl.ForceFailover(name); err != nil {
		return fmt.Errorf("force failover: %w", err)
	}
	_, _ = fmt.Fprintf(w.output, "Requested failover to %q; takes effect on the next failover tick.\n", name)
	return nil
}

func (w *Wizard) showStatus() {
	active := w.ctrl.ActiveSource()
	if active == "" {
		active = "(none)"
	}
	_, _ = fmt.Fprintf(w.output, "Active source: %s\n\n", active)

	metrics := w.ctrl.GetAllMetrics()
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := metrics[name]
		_, _ = fmt.Fprintf(w.output, "  %-16s state=%-10s restarts=%-3d fails=%-3d ring=%.0f%%\n",
			name, m.State, m.RestartCount, m.ConsecutiveFailures, m.RingFillFraction*100)
	}
}

func (w *Wizard) showHistory() {
	events := w.ctrl.GetFailoverHistory(20)
	if len(events) == 0 {
		_, _ = fmt.Fprintln(w.output, "No failover events recorded.")
		return
	}
	for _, ev := range events {
		_, _ = fmt.Fprintf(w.output, "  %s  %-10s -> %-10s  reason=%s  %s\n",
			ev.Timestamp.Format(time.RFC3339), orNone(ev.From), orNone(ev.To), ev.Reason, ev.Note)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func (w *Wizard) persist() error {
	if w.cfgPath == "" {
		return nil
	}
	return w.cfg.Save(w.cfgPath)
}

// ParseSourceArgs parses a flag-driven, non-interactive source
// description from args, matching the teacher's hand-rolled
// "--flag=value" / "--flag value" loop (see cmd/lyrebird's
// runValidate/runStatus) rather than a flag-package subcommand.
// Recognized flags: --name, --kind, --uri, --priority,
// --silence-threshold-db, --silence-duration, --watchdog-timeout,
// --max-restart-attempts, --enabled, --disabled.
func ParseSourceArgs(args []string) (config.SourceConfig, error) {
	sc := config.SourceConfig{Kind: "http", Enabled: true}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		var key, val string
		var hasInline bool
		if strings.HasPrefix(arg, "--") && strings.Contains(arg, "=") {
			parts := strings.SplitN(arg, "=", 2)
			key, val, hasInline = parts[0], parts[1], true
		} else {
			key = arg
		}

		if !hasInline && key != "--disabled" {
			if i+1 >= len(args) {
				return config.SourceConfig{}, fmt.Errorf("flag %q requires a value", key)
			}
			i++
			val = args[i]
		}

		switch key {
		case "--name":
			sc.Name = val
		case "--kind":
			sc.Kind = val
		case "--uri":
			sc.URI = val
		case "--priority":
			p, err := strconv.Atoi(val)
			if err != nil {
				return config.SourceConfig{}, fmt.Errorf("--priority: %w", err)
			}
			sc.Priority = p
		case "--silence-threshold-db":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return config.SourceConfig{}, fmt.Errorf("--silence-threshold-db: %w", err)
			}
			sc.SilenceThresholdDB = f
		case "--silence-duration":
			d, err := time.ParseDuration(val)
			if err != nil {
				return config.SourceConfig{}, fmt.Errorf("--silence-duration: %w", err)
			}
			sc.SilenceDuration = d
		case "--watchdog-timeout":
			d, err := time.ParseDuration(val)
			if err != nil {
				return config.SourceConfig{}, fmt.Errorf("--watchdog-timeout: %w", err)
			}
			sc.WatchdogTimeout = d
		case "--max-restart-attempts":
			n, err := strconv.Atoi(val)
			if err != nil {
				return config.SourceConfig{}, fmt.Errorf("--max-restart-attempts: %w", err)
			}
			sc.MaxRestartAttempts = n
		case "--enabled":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return config.SourceConfig{}, fmt.Errorf("--enabled: %w", err)
			}
			sc.Enabled = b
		case "--disabled":
			sc.Enabled = false
		default:
			return config.SourceConfig{}, fmt.Errorf("unrecognized flag %q", key)
		}
	}

	if sc.Name == "" {
		return config.SourceConfig{}, fmt.Errorf("--name is required")
	}
	if sc.URI == "" {
		return config.SourceConfig{}, fmt.Errorf("--uri is required")
	}
	return sc, nil
}

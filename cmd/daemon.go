package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/theirongolddev/mergemeter/internal/cli"
	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/daemon"
	"github.com/theirongolddev/mergemeter/internal/meter"
	"github.com/theirongolddev/mergemeter/internal/report"
)

type daemonRuntimeState struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"started_at"`
	Config    string    `json:"config"`
}

var (
	flagDaemonAddr         string
	flagDaemonInterval     time.Duration
	flagDaemonDetach       bool
	flagDaemonPIDFile      string
	flagDaemonLogFile      string
	flagDaemonEventsBuffer int
	flagDaemonChild        bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Import spooled usage in the background and serve status over HTTP/SSE",
	Long: "Polls the spool on an interval (and watches the spool directory when the\n" +
		"dir driver is used), importing pending usage into the ledger. Status and\n" +
		"import events are served at /v1/status, /v1/events and /v1/stream.",
	RunE: runDaemon,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon process and API status",
	RunE:  runDaemonStatus,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runDaemonStop,
}

func init() {
	defaultPID := filepath.Join(config.DataDir(), "mergemeterd.pid")
	defaultLog := filepath.Join(config.DataDir(), "mergemeterd.log")

	daemonCmd.PersistentFlags().StringVar(&flagDaemonAddr, "addr", "", "HTTP listen address (default from config)")
	daemonCmd.PersistentFlags().DurationVar(&flagDaemonInterval, "interval", 0, "Import interval (default from config)")
	daemonCmd.PersistentFlags().StringVar(&flagDaemonPIDFile, "pid-file", defaultPID, "PID file path")
	daemonCmd.PersistentFlags().StringVar(&flagDaemonLogFile, "log-file", defaultLog, "Log file path for detached mode")
	daemonCmd.PersistentFlags().IntVar(&flagDaemonEventsBuffer, "events-buffer", 200, "Max in-memory events retained")

	daemonCmd.Flags().BoolVar(&flagDaemonDetach, "detach", false, "Run daemon as a background process")
	daemonCmd.Flags().BoolVar(&flagDaemonChild, "child", false, "Internal: mark detached child process")
	_ = daemonCmd.Flags().MarkHidden("child")

	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	rootCmd.AddCommand(daemonCmd)
}

// daemonAddr and daemonInterval apply the config defaults; flags win when set.
func daemonAddr() string {
	if flagDaemonAddr != "" {
		return flagDaemonAddr
	}
	return cfg.Daemon.Addr
}

func daemonInterval() time.Duration {
	if flagDaemonInterval > 0 {
		return flagDaemonInterval
	}
	return cfg.Daemon.Interval.Duration
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	pf := pidFile(flagDaemonPIDFile)
	switch {
	case flagDaemonDetach && flagDaemonChild:
		return errors.New("--detach and --child are mutually exclusive")
	case flagDaemonDetach:
		return startDaemonDetached(pf)
	default:
		return runDaemonForeground(cmd.Context(), pf)
	}
}

// startDaemonDetached re-executes the current command line as a child with
// its output appended to the log file.
func startDaemonDetached(pf pidFile) error {
	if err := pf.checkFree(); err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}
	for _, dir := range []string{filepath.Dir(string(pf)), filepath.Dir(flagDaemonLogFile)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	//nolint:gosec // log path is chosen by the local user
	logf, err := os.OpenFile(flagDaemonLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening daemon log: %w", err)
	}
	defer func() { _ = logf.Close() }()

	args := make([]string, 0, len(os.Args))
	for _, a := range os.Args[1:] {
		if a != "--detach" && !strings.HasPrefix(a, "--detach=") {
			args = append(args, a)
		}
	}
	child := exec.Command(exe, append(args, "--child")...) //nolint:gosec // re-executes this binary
	child.Stdout, child.Stderr = logf, logf
	child.Env = os.Environ()
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting detached daemon: %w", err)
	}

	fmt.Println()
	fmt.Print(cli.RenderKeyValues([][2]string{
		{"Started", "pid " + strconv.Itoa(child.Process.Pid)},
		{"Status", "http://" + daemonAddr() + "/v1/status"},
		{"PID file", string(pf)},
		{"Log", flagDaemonLogFile},
	}))
	return nil
}

func runDaemonForeground(ctx context.Context, pf pidFile) error {
	state := daemonRuntimeState{
		PID:       os.Getpid(),
		Addr:      daemonAddr(),
		StartedAt: time.Now().UTC(),
		Config:    flagConfig,
	}
	if err := pf.acquire(state); err != nil {
		return err
	}
	defer pf.release()

	return withMeter(ctx, func(m *meter.Meter) error {
		dcfg := daemon.Config{
			Interval:     daemonInterval(),
			Addr:         state.Addr,
			EventsBuffer: flagDaemonEventsBuffer,
			Logger:       logger,
		}
		if cfg.Spool.Driver == config.SpoolDir {
			dcfg.WatchDir = cfg.Spool.Dir
		}
		svc := daemon.New(m, dcfg)

		printNote("Listening on http://%s, importing from the %s spool every %s.", state.Addr, cfg.Spool.Driver, dcfg.Interval)
		logger.Info("daemon started",
			zap.Int("pid", state.PID),
			zap.String("addr", state.Addr),
			zap.Duration("interval", dcfg.Interval),
			zap.String("watch_dir", dcfg.WatchDir),
		)

		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("daemon stopped")
		return nil
	})
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	pf := pidFile(flagDaemonPIDFile)
	pid, err := pf.pid()
	switch {
	case err != nil:
		printNote("Daemon is not running.")
		return nil
	case !processAlive(pid):
		printNote("Daemon is not running (stale pid file for %d).", pid)
		return nil
	}

	addr := daemonAddr()
	if st, err := pf.state(); err == nil && st.Addr != "" {
		addr = st.Addr
	}

	st, err := fetchDaemonStatus(cmd.Context(), addr)
	if err != nil {
		fmt.Println()
		fmt.Print(cli.RenderKeyValues([][2]string{
			{"PID", strconv.Itoa(pid)},
			{"Address", "http://" + addr},
		}))
		fmt.Print(cli.RenderWarning("API unreachable: " + err.Error()))
		return nil
	}
	if flagJSON {
		return report.WriteJSON(os.Stdout, st)
	}

	lastImport := "pending"
	if !st.LastImportAt.IsZero() {
		lastImport = cli.FormatTime(st.LastImportAt)
	}
	pairs := [][2]string{
		{"PID", strconv.Itoa(pid)},
		{"Address", "http://" + addr},
		{"Last import", lastImport},
		{"Passes", fmt.Sprintf("%d (every %ds)", st.ImportCount, st.IntervalSec)},
		{"Imported", fmt.Sprintf("%d (%d duplicates, %d skipped, %d errors)",
			st.Totals.Imported, st.Totals.Duplicates, st.Totals.Skipped, st.Totals.Errors)},
		{"Spool", fmt.Sprintf("%d pending, %d rejected", st.Spool.Pending, st.Spool.Rejected)},
	}
	if st.WatchDir != "" {
		pairs = append(pairs, [2]string{"Watching", st.WatchDir})
	}
	fmt.Println()
	fmt.Print(cli.RenderKeyValues(pairs))
	if st.LastError != "" {
		fmt.Print(cli.RenderWarning("Last error: " + st.LastError))
	}
	return nil
}

func fetchDaemonStatus(ctx context.Context, addr string) (daemon.Status, error) {
	var st daemon.Status
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/v1/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decoding status: %w", err)
	}
	return st, nil
}

func runDaemonStop(_ *cobra.Command, _ []string) error {
	pf := pidFile(flagDaemonPIDFile)
	pid, err := pf.pid()
	if err != nil {
		return errors.New("daemon is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding daemon process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling daemon: %w", err)
	}

	for deadline := time.Now().Add(8 * time.Second); time.Now().Before(deadline); time.Sleep(150 * time.Millisecond) {
		if !processAlive(pid) {
			pf.release()
			printNote("Stopped daemon (pid %d).", pid)
			return nil
		}
	}
	return fmt.Errorf("daemon (pid %d) did not exit in time", pid)
}

// pidFile is the daemon's pid file path. Runtime state sits next to it in
// a .json file.
type pidFile string

func (pf pidFile) statePath() string { return string(pf) + ".json" }

// checkFree clears a stale pid file and fails when a live daemon owns it.
func (pf pidFile) checkFree() error {
	pid, err := pf.pid()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && processAlive(pid) {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	pf.release()
	return nil
}

func (pf pidFile) acquire(st daemonRuntimeState) error {
	if err := pf.checkFree(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(string(pf)), 0o750); err != nil {
		return fmt.Errorf("creating daemon directory: %w", err)
	}
	if err := os.WriteFile(string(pf), []byte(strconv.Itoa(st.PID)+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	if data, err := json.MarshalIndent(st, "", "  "); err == nil {
		_ = os.WriteFile(pf.statePath(), append(data, '\n'), 0o600)
	}
	return nil
}

func (pf pidFile) release() {
	_ = os.Remove(string(pf))
	_ = os.Remove(pf.statePath())
}

func (pf pidFile) pid() (int, error) {
	data, err := os.ReadFile(string(pf))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s", string(pf))
	}
	return pid, nil
}

func (pf pidFile) state() (daemonRuntimeState, error) {
	var st daemonRuntimeState
	data, err := os.ReadFile(pf.statePath())
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(data, &st)
	return st, err
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

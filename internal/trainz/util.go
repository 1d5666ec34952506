package trainz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"
)

// DefaultTimeout bounds a single TrainzUtil invocation.
const DefaultTimeout = 10 * time.Minute

// Command names understood by TrainzUtil
const (
	CmdInstallFromPath = "installfrompath"
	CmdCommit          = "commit"
	CmdRevert          = "revert"
	CmdDelete          = "delete"
	CmdStatus          = "status"
	CmdEcho            = "echo"
	CmdVersion         = "version"
)

// Command is one TrainzUtil invocation. A zero Timeout uses the Util default.
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration
}

// Response holds the stdout lines of a successful invocation.
type Response struct {
	Lines []string
}

// First returns the first output line, or "".
func (r Response) First() string {
	if len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[0]
}

// AssetStatus is the decoded flag string of the status command (EIADLMF)
type AssetStatus struct {
	OpenForEdit         bool
	Installed           bool
	Archived            bool
	DownloadStation     bool
	Modified            bool
	MissingDependencies bool
	Faulty              bool
}

// UtilConfig configures a Util
type UtilConfig struct {
	Path    string        // TrainzUtil.exe
	Wrapper []string      // Optional launcher, e.g. ["wine"]
	Timeout time.Duration // Per-command timeout (default DefaultTimeout)
	Logger  *slog.Logger
}

// Util runs TrainzUtil commands. It is not safe for concurrent use by the
// content database, so callers serialize access.
type Util struct {
	path    string
	wrapper []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewUtil creates a new TrainzUtil client
func NewUtil(cfg UtilConfig) *Util {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Util{
		path:    cfg.Path,
		wrapper: cfg.Wrapper,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With("component", "trainzutil"),
	}
}

// ToolPath returns the location of TrainzUtil inside an installation.
func ToolPath(installPath string) string {
	return filepath.Join(installPath, "bin", "TrainzUtil.exe")
}

// ValidateInstallPath checks that path looks like a Trainz installation.
func ValidateInstallPath(path string) error {
	for _, name := range []string{"Trainz.exe", "bin/ContentManager.exe", "bin/Trainz.exe", "bin/TrainzUtil.exe"} {
		if _, err := os.Stat(filepath.Join(path, filepath.FromSlash(name))); err != nil {
			return fmt.Errorf("not a Trainz installation: %w", err)
		}
	}
	return nil
}

// Run executes a command and translates its output.
func (u *Util) Run(ctx context.Context, c Command) (Response, error) {
	if _, err := os.Stat(u.path); err != nil {
		return Response{}, fmt.Errorf("locating TrainzUtil: %w", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = u.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append([]string{u.path, c.Name}, c.Args...)
	if len(u.wrapper) > 0 {
		argv = append(append([]string{}, u.wrapper...), argv...)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = 100 * time.Millisecond

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	u.logger.Debug("command finished", "command", c.Name, "args", c.Args, "duration", time.Since(started))

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Response{}, &domain.ProcessError{
				Command: c.Name,
				Output:  stdout.String(),
				Err:     fmt.Errorf("timed out after %v: %w", timeout, context.DeadlineExceeded),
			}
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Response{}, &domain.ProcessError{Command: c.Name, Err: err}
		}
		return parseOutput(c.Name, stdout.String(), stderr.String(), exitErr.ExitCode())
	}

	return parseOutput(c.Name, stdout.String(), stderr.String(), 0)
}

// parseOutput is the single translation point of the TrainzUtil text
// protocol. A line starting with "-" is a failure of the form
// "- <code> : <message>"; otherwise a non-zero exit is a process failure.
func parseOutput(command, stdout, stderr string, exitCode int) (Response, error) {
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(stdout, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "-") {
			return Response{}, parseFailureLine(command, line)
		}
	}

	if exitCode != 0 {
		return Response{}, &domain.ProcessError{
			Command:  command,
			ExitCode: exitCode,
			Output:   strings.TrimSpace(stdout + "\n" + stderr),
		}
	}

	return Response{Lines: lines}, nil
}

func parseFailureLine(command, line string) *domain.ToolError {
	body := strings.TrimSpace(strings.TrimPrefix(line, "-"))
	code, message, found := strings.Cut(body, " : ")
	if !found {
		return &domain.ToolError{Command: command, Message: body}
	}
	return &domain.ToolError{
		Command: command,
		Code:    strings.TrimSpace(code),
		Message: strings.TrimSpace(message),
	}
}

// bracketedKuid extracts the identifier between the first < and >.
func bracketedKuid(command, line string) (domain.Kuid, error) {
	start := strings.Index(line, "<")
	end := strings.Index(line, ">")
	if start < 0 || end < start {
		return domain.Kuid{}, &domain.ProcessError{Command: command, Output: line, Err: errors.New("no kuid in output")}
	}
	return domain.ParseKuid(line[start : end+1])
}

// Echo round-trips message through the tool. It fails with
// domain.ErrToolNotReady when the tool answers with something else.
func (u *Util) Echo(ctx context.Context, message string, timeout time.Duration) error {
	resp, err := u.Run(ctx, Command{Name: CmdEcho, Args: []string{message}, Timeout: timeout})
	if err != nil {
		return err
	}
	if got := strings.TrimSpace(resp.First()); got != message {
		return fmt.Errorf("%w: echo returned %q", domain.ErrToolNotReady, got)
	}
	return nil
}

// Version returns the Trainz build number.
func (u *Util) Version(ctx context.Context) (int, error) {
	resp, err := u.Run(ctx, Command{Name: CmdVersion})
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(resp.First())
	if len(fields) < 2 {
		return 0, &domain.ProcessError{Command: CmdVersion, Output: resp.First(), Err: errors.New("unexpected version output")}
	}
	var build int
	if _, err := fmt.Sscanf(fields[1], "%d", &build); err != nil {
		return 0, &domain.ProcessError{Command: CmdVersion, Output: resp.First(), Err: err}
	}
	return build, nil
}

// Install registers the unpacked asset in dir and returns its kuid.
func (u *Util) Install(ctx context.Context, dir string) (domain.Kuid, error) {
	resp, err := u.Run(ctx, Command{Name: CmdInstallFromPath, Args: []string{dir}})
	if err != nil {
		return domain.Kuid{}, err
	}
	return bracketedKuid(CmdInstallFromPath, resp.First())
}

// Commit commits an installed asset.
func (u *Util) Commit(ctx context.Context, kuid domain.Kuid) error {
	_, err := u.Run(ctx, Command{Name: CmdCommit, Args: []string{kuid.String()}})
	return err
}

// Revert reverts local modifications of an asset.
func (u *Util) Revert(ctx context.Context, kuid domain.Kuid) error {
	_, err := u.Run(ctx, Command{Name: CmdRevert, Args: []string{kuid.String()}})
	return err
}

// Delete removes an asset from the content store.
func (u *Util) Delete(ctx context.Context, kuid domain.Kuid) error {
	_, err := u.Run(ctx, Command{Name: CmdDelete, Args: []string{kuid.String()}})
	return err
}

// Status queries the state flags of an asset.
func (u *Util) Status(ctx context.Context, kuid domain.Kuid) (AssetStatus, error) {
	resp, err := u.Run(ctx, Command{Name: CmdStatus, Args: []string{kuid.String()}})
	if err != nil {
		return AssetStatus{}, err
	}
	return parseStatus(resp.First())
}

// parseStatus decodes "<kuid> : EIADLMF : ..." where a letter at its
// position means the flag is set.
func parseStatus(line string) (AssetStatus, error) {
	parts := strings.SplitN(line, " : ", 3)
	if len(parts) < 2 || len(parts[1]) < 7 {
		return AssetStatus{}, &domain.ToolError{Command: CmdStatus, Message: fmt.Sprintf("invalid status: %q", line)}
	}
	f := parts[1]
	return AssetStatus{
		OpenForEdit:         f[0] == 'E',
		Installed:           f[1] == 'I',
		Archived:            f[2] == 'A',
		DownloadStation:     f[3] == 'D',
		Modified:            f[4] == 'L',
		MissingDependencies: f[5] == 'M',
		Faulty:              f[6] == 'F',
	}, nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"kiln/internal/orchestrator"
	"kiln/internal/portability"
	"kiln/internal/wireclient"
	"kiln/internal/workspace"
)

// printProgress writes kiln's own restore/save status lines to stdout only
// when stdout is a real terminal, so piping "kiln cargo build" into a CI log
// doesn't interleave progress noise with cargo's own output.
func printProgress(format string, a ...any) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return
	}
	fmt.Printf(format, a...)
}

// ExitCodeError carries the exit code the wrapper should mirror when the
// wrapped cargo invocation itself failed, rather than the generic failure
// code used for every other error.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e ExitCodeError) Error() string { return e.Err.Error() }
func (e ExitCodeError) Unwrap() error { return e.Err }

var cargoCmd = &cobra.Command{
	Use:   "cargo",
	Short: "run cargo with kilnd-backed caching",
}

func init() {
	buildCmd := &cobra.Command{
		Use:                "build",
		Short:              "cargo build, restoring and saving units through kilnd",
		DisableFlagParsing: true,
		RunE: func(c *cobra.Command, args []string) error {
			return runCargoPipeline(c.Context(), "build", args)
		},
	}
	checkCmd := &cobra.Command{
		Use:                "check",
		Short:              "cargo check, restoring and saving units through kilnd",
		DisableFlagParsing: true,
		RunE: func(c *cobra.Command, args []string) error {
			return runCargoPipeline(c.Context(), "check", args)
		},
	}
	cargoCmd.AddCommand(buildCmd, checkCmd)
}

// crossTargetFrom extracts a "--target <triple>" pair from cargo's own
// passthrough args, since DisableFlagParsing leaves them unparsed by cobra.
func crossTargetFrom(args []string) string {
	for i, a := range args {
		if a == "--target" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(a, "--target=") {
			return strings.TrimPrefix(a, "--target=")
		}
	}
	return ""
}

// profileNameFromArgs extracts the cargo profile directory name ("debug",
// "release", or a custom --profile name) that a build with these
// passthrough args will write into target/.
func profileNameFromArgs(args []string) string {
	for i, a := range args {
		if a == "--release" {
			return "release"
		}
		if a == "--profile" && i+1 < len(args) {
			return args[i+1]
		}
		if rest, ok := strings.CutPrefix(a, "--profile="); ok {
			return rest
		}
	}
	return "debug"
}

// runCargoPipeline implements the restore → cargo <subcommand> → save
// pipeline shared by "kiln cargo build" and "kiln cargo check": the two
// subcommands differ only in which inner cargo command runs.
func runCargoPipeline(ctx context.Context, subcommand string, passthroughArgs []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	orgID, rawToken, err := splitToken(cfg.Token)
	if err != nil {
		return err
	}

	workspaceDir, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("resolving workspace path: %w", err)
	}
	targetDir := filepath.Join(workspaceDir, "target")

	lock, err := orchestrator.LockWorkspace(targetDir)
	if err != nil {
		return fmt.Errorf("locking workspace: %w", err)
	}
	defer lock.Unlock()

	client := wireclient.New(cfg.ServiceURL)
	if err := client.Authenticate(ctx, rawToken, orgID); err != nil {
		return fmt.Errorf("authenticating with %s: %w", cfg.ServiceURL, err)
	}

	roots := portability.Roots{TargetProfileDir: targetDir, CargoHomeDir: cargoHomeDir()}
	hostLibc := workspace.DetectHostLibc(ctx)
	crossTarget := crossTargetFrom(passthroughArgs)

	plan, err := introspectBuildPlan(ctx, workspaceDir, subcommand, passthroughArgs)
	if err != nil {
		return fmt.Errorf("introspecting build plan: %w", err)
	}

	profileDir := filepath.Join(targetDir, profileNameFromArgs(passthroughArgs))
	o := orchestrator.New(client, roots).WithProfileDir(profileDir)
	var unitHashes []string
	for _, inv := range plan.Invocations {
		if workspace.Classify(inv) == workspace.Unsupported {
			continue
		}
		unitHashes = append(unitHashes, inv.UnitHash)
	}

	restoreResult, err := o.Restore(ctx, unitHashes, hostLibc.String(), osFileWriter{})
	if err != nil {
		return fmt.Errorf("restoring cached units: %w", err)
	}
	if crossTarget != "" {
		printProgress("kiln: restored %d/%d units from cache (target %s)\n", len(restoreResult.Restored), len(unitHashes), crossTarget)
	} else {
		printProgress("kiln: restored %d/%d units from cache\n", len(restoreResult.Restored), len(unitHashes))
	}

	runArgs := append([]string{subcommand}, passthroughArgs...)
	realCargo := exec.CommandContext(ctx, "cargo", runArgs...)
	realCargo.Dir = workspaceDir
	realCargo.Stdout = os.Stdout
	realCargo.Stderr = os.Stderr
	realCargo.Stdin = os.Stdin
	if err := realCargo.Run(); err != nil {
		// Per spec.md §6, the wrapper's own exit code mirrors cargo's when
		// the inner build fails — no save is attempted against a failed build.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ExitCodeError{Code: exitErr.ExitCode(), Err: fmt.Errorf("cargo %s: %w", subcommand, err)}
		}
		return fmt.Errorf("cargo %s: %w", subcommand, err)
	}

	toSave, alreadyHeld := diffExpectedVsRestored(plan, restoreResult, hostLibc, crossTarget, roots, profileDir)
	if handedOff := handOffToDaemon(toSave, alreadyHeld); handedOff {
		printProgress("kiln: handed save off to running daemon\n")
		return nil
	}

	saveProgress := orchestrator.NewProgress()
	upload := func() error {
		return o.Save(ctx, toSave, alreadyHeld, osFileReader{}, saveProgress)
	}
	if cfg.WaitForUpload {
		if err := upload(); err != nil {
			return fmt.Errorf("saving built units: %w", err)
		}
		snap := saveProgress.Snapshot()
		printProgress("kiln: saved %d units (%s uploaded)\n", snap.UploadedUnits, humanize.Bytes(uint64(snap.UploadedBytes)))
	} else {
		go func() {
			if err := upload(); err != nil {
				fmt.Fprintf(os.Stderr, "kiln: background save failed: %v\n", err)
			}
		}()
	}
	return nil
}

func cargoHomeDir() string {
	if v := os.Getenv("CARGO_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cargo")
}

func splitToken(token string) (orgID int64, rawToken string, err error) {
	idx := strings.IndexByte(token, '.')
	if idx < 0 {
		return 0, "", fmt.Errorf("KILN_TOKEN must be of the form <org_id>.<api_token>")
	}
	orgID, err = strconv.ParseInt(token[:idx], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("KILN_TOKEN has a malformed org id: %w", err)
	}
	return orgID, token[idx+1:], nil
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kiln/internal/orchestrator"
	"kiln/internal/portability"
	"kiln/internal/wireclient"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "run the kiln background upload worker",
}

var daemonStatusAddr string

// daemonSaveRequest is the wire shape "kiln cargo build" posts to a
// running daemon's /save endpoint to hand off an upload.
type daemonSaveRequest struct {
	ToSave      []orchestrator.ToSaveUnit `json:"to_save"`
	AlreadyHeld map[string]bool           `json:"already_held"`
}

func init() {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "start the long-lived async-upload worker",
		RunE:  runDaemonStart,
	}
	startCmd.Flags().StringVar(&daemonStatusAddr, "status-addr", "127.0.0.1:7420", "address the status endpoint listens on")
	daemonCmd.AddCommand(startCmd)
}

// runDaemonStart implements "kiln daemon start": a long-lived process
// holding one Worker that a sequence of "kiln cargo build" invocations in
// the same workspace can hand save jobs to, plus a localhost status
// endpoint reporting cumulative upload progress.
func runDaemonStart(c *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	orgID, rawToken, err := splitToken(cfg.Token)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := wireclient.New(cfg.ServiceURL)
	if err := client.Authenticate(ctx, rawToken, orgID); err != nil {
		return fmt.Errorf("authenticating with %s: %w", cfg.ServiceURL, err)
	}

	o := orchestrator.New(client, portability.Roots{})
	worker := orchestrator.NewWorker(ctx, o)

	ln, err := net.Listen("tcp", daemonStatusAddr)
	if err != nil {
		return fmt.Errorf("binding status endpoint: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(worker.Progress())
	})
	mux.HandleFunc("/save", func(w http.ResponseWriter, r *http.Request) {
		var job daemonSaveRequest
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		worker.Enqueue(job.ToSave, job.AlreadyHeld, osFileReader{})
		w.WriteHeader(http.StatusAccepted)
	})
	srv := &http.Server{Handler: mux}
	go func() {
		_ = srv.Serve(ln)
	}()

	fmt.Fprintf(os.Stdout, "kiln daemon: status on http://%s/status\n", daemonStatusAddr)
	<-ctx.Done()
	fmt.Fprintln(os.Stdout, "kiln daemon: shutting down, waiting for queued uploads...")
	if err := worker.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "kiln daemon: last upload error: %v\n", err)
	}
	return srv.Shutdown(context.Background())
}

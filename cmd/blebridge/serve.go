package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blebridge/internal/bridge"
	"github.com/srg/blebridge/internal/device"
	"github.com/srg/blebridge/internal/dispatch"
	"golang.org/x/term"
)

// maxCallSize bounds one input line; characteristic values are small.
const maxCallSize = 1 << 20

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve bridge calls as JSON lines on stdin/stdout",
	Long: `Reads one call per line from stdin and writes results and events to stdout.

A call:    {"id": 1, "method": "readCharacteristic", "args": {"remote_id": "AA:BB:CC:DD:EE:FF", "service_uuid": "180d", "characteristic_uuid": "2a37"}}
A result:  {"id": 1, "result": null}
An error:  {"id": 1, "error": {"category": "not_connected", "detail": "..."}}
An event:  {"event": "ReadCharacteristicResponse", "data": {...}}

Operations that complete asynchronously answer the call first and report the
outcome as an event.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	b, cleanup, err := openBridge(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Reading calls from the terminal, one JSON object per line. Ctrl+D to quit.")
	}

	return serve(ctx, b, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
}

// serve runs the line protocol until in is exhausted or ctx is cancelled.
func serve(ctx context.Context, b *bridge.Bridge, in io.Reader, out io.Writer, logger *logrus.Logger) error {
	w := &lineWriter{enc: json.NewEncoder(out), logger: logger}
	if err := b.Attach(dispatch.SinkFunc(w.event)); err != nil {
		logger.WithError(err).Debug("Adapter state is not observed")
	}
	defer b.Detach()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxCallSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return fmt.Errorf("%w: %v", ErrInputClosed, err)
				}
				return nil
			}
			handleLine(b, line, w)
		}
	}
}

func handleLine(b *bridge.Bridge, line []byte, w *lineWriter) {
	if len(line) == 0 {
		return
	}
	var call bridge.Call
	if err := json.Unmarshal(line, &call); err != nil {
		w.write(response{Error: &callError{Category: device.CategoryInvalidArgument, Detail: err.Error()}})
		return
	}
	b.Handle(call, &lineResult{call: call, w: w})
}

type callError struct {
	Category string `json:"category"`
	Detail   string `json:"detail,omitempty"`
}

type response struct {
	ID     int64      `json:"id"`
	Result any        `json:"result"`
	Error  *callError `json:"error,omitempty"`
}

type eventLine struct {
	Event string       `json:"event"`
	Data  device.Event `json:"data"`
}

// lineWriter serializes results and events onto one stream.
type lineWriter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	logger *logrus.Logger
}

func (w *lineWriter) write(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(v); err != nil {
		w.logger.WithError(err).Error("Failed to write output line")
	}
}

func (w *lineWriter) event(ev device.Event) {
	w.write(eventLine{Event: ev.EventName(), Data: ev})
}

// lineResult answers one call; later answers are ignored.
type lineResult struct {
	call bridge.Call
	w    *lineWriter
	once sync.Once
}

func (r *lineResult) Success(value any) {
	r.once.Do(func() { r.w.write(response{ID: r.call.ID, Result: value}) })
}

func (r *lineResult) Error(category, detail string) {
	r.once.Do(func() {
		r.w.write(response{ID: r.call.ID, Error: &callError{Category: category, Detail: detail}})
	})
}

func (r *lineResult) NotImplemented() {
	r.Error("not_implemented", fmt.Sprintf("method %q is not implemented", r.call.Method))
}

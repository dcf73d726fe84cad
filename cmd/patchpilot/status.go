package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anomalyco/patchpilot/internal/classify"
	"github.com/anomalyco/patchpilot/internal/config"
	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/anomalyco/patchpilot/internal/httpapi"
	"github.com/anomalyco/patchpilot/internal/statusstore"
)

func runStatus(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("patchpilot-status", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.Usage = func() {
		fmt.Fprintln(errOut, "usage: patchpilot status [flags] [task-id]")
		fs.PrintDefaults()
	}
	configPath := fs.String("config", config.DefaultPath, "Path to the config file")
	server := fs.String("server", "", "Base URL of a running patchpilot server (defaults to http://<http.addr>)")
	fromRedis := fs.Bool("redis", false, "Read the status mirror in Redis instead of the server")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return 1
	}
	taskID := strings.TrimSpace(fs.Arg(0))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(errOut, classify.FormatActionableError(err))
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var result any
	switch {
	case *fromRedis:
		if taskID == "" {
			err = errors.New("task id is required with --redis")
			break
		}
		result, err = statusFromRedis(ctx, cfg, taskID)
	default:
		base := *server
		if base == "" {
			base = "http://" + cfg.HTTP.Addr
		}
		result, err = statusFromServer(ctx, base, taskID)
	}
	if err != nil {
		fmt.Fprintln(errOut, classify.FormatActionableError(err))
		return 1
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}

func statusFromRedis(ctx context.Context, cfg config.Config, taskID string) (contracts.TaskRunStatus, error) {
	if cfg.Redis.Addr == "" {
		return contracts.TaskRunStatus{}, errors.New("redis.addr is not configured")
	}
	store, err := statusstore.Dial(ctx, cfg.Redis.Addr, statusstore.Options{Prefix: cfg.Redis.Prefix})
	if err != nil {
		return contracts.TaskRunStatus{}, err
	}
	defer store.Close()
	return store.Load(ctx, taskID)
}

// statusFromServer fetches one run, or the full listing when taskID is empty.
func statusFromServer(ctx context.Context, base string, taskID string) (any, error) {
	endpoint := strings.TrimSuffix(base, "/") + "/v1/runs"
	if taskID != "" {
		endpoint += "/" + url.PathEscape(taskID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr httpapi.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return nil, fmt.Errorf("GET %s: unexpected status %s", endpoint, resp.Status)
		}
		return nil, fmt.Errorf("GET %s: %s (%s)", endpoint, apiErr.Error, apiErr.Code)
	}
	if taskID == "" {
		var list httpapi.ListRunsResponse
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			return nil, fmt.Errorf("decode run list: %w", err)
		}
		return list, nil
	}
	var status contracts.TaskRunStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode run status: %w", err)
	}
	return status, nil
}

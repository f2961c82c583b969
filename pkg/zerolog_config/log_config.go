package zerolog_config

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.elastic.co/ecszerolog"
)

var startupLoggerOnce sync.Once

// Options configures the global logger.
type Options struct {
	AppName string
	Level   zerolog.Level

	// ElasticsearchURL enables ECS shipping to <url>/<Index>/_doc when set.
	ElasticsearchURL string
	Index            string

	// Console defaults to stderr so command output on stdout stays clean.
	Console io.Writer
}

// ElasticsearchWriter sends logs directly to Elasticsearch
type ElasticsearchWriter struct {
	URL    string
	Client *http.Client
}

func (ew ElasticsearchWriter) Write(p []byte) (n int, err error) {
	client := ew.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	resp, err := client.Post(ew.URL+"/_doc", "application/json", bytes.NewReader(p))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("elasticsearch returned %d", resp.StatusCode)
	}

	return len(p), nil
}

// NewLogger builds a logger from opts without touching global state.
func NewLogger(opts Options) zerolog.Logger {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	consoleWriter := zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}

	var out io.Writer = consoleWriter
	if opts.ElasticsearchURL != "" {
		index := opts.Index
		if index == "" {
			index = "logs"
		}
		// ECS format for Elasticsearch plus pretty console output
		ecsLogger := ecszerolog.New(&ElasticsearchWriter{URL: opts.ElasticsearchURL + "/" + index})
		out = zerolog.MultiLevelWriter(ecsLogger, consoleWriter)
	}

	return zerolog.New(out).Level(opts.Level).With().Str("app", opts.AppName).Timestamp().Logger()
}

// Startup installs the global logger once. Later calls are no-ops.
func Startup(opts Options) error {
	if opts.AppName == "" {
		return fmt.Errorf("app name is required")
	}
	startupLoggerOnce.Do(func() {
		zerolog.SetGlobalLevel(opts.Level)
		log.Logger = NewLogger(opts)
	})
	return nil
}

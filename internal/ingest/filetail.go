package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"sessionguard/internal/config"
	"sessionguard/internal/model"
)

// StartFileTail follows access log files written by the protected
// application. Each file gets its own parser so a CSV header only applies
// to its own file. Truncated files are reopened from the start.
func StartFileTail(ctx context.Context, cfg *config.Manager, out chan<- model.RequestEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		go tailFile(ctx, path, current.StartAtEnd, NewParser(), out, logger)
	}
}

func tailFile(ctx context.Context, path string, startAtEnd bool, parser *Parser, out chan<- model.RequestEvent, logger *slog.Logger) {
	var (
		file    *os.File
		offset  int64
		pending string
	)
	// generation distinguishes offsets of a reopened (truncated) file
	generation := -1
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			pending = ""
			generation++
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
			// only the first open honours start_at_end; reopened files are new
			startAtEnd = false
		}

		reader := bufio.NewReader(file)
		for {
			chunk, err := reader.ReadString('\n')
			offset += int64(len(chunk))
			if err != nil {
				pending += chunk
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			line := pending + chunk
			pending = ""
			if ev, ok := decodeLine(strings.TrimRight(line, "\r\n"), "file_tail", parser, logger); ok {
				ev.DeliveryID = fmt.Sprintf("file/%s/%d/%d", path, generation, offset-int64(len(line)))
				SendNonBlocking(ctx, out, ev, logger)
			}
		}
	}
}

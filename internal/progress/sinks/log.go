package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-scanner/internal/progress"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageRepoStart, progress.StageRepoDone:
			fields = append(fields,
				zap.Int("repo_index", evt.RepoIndex),
				zap.String("repo", evt.Repo),
				zap.String("url", evt.URL),
			)
			if evt.Stage == progress.StageRepoDone {
				fields = append(fields,
					zap.String("repo_status", evt.RepoStatus),
					zap.Int64("files", evt.Files),
					zap.Int64("bytes", evt.Bytes),
					zap.Duration("dur", evt.Dur),
				)
			}
		default:
			fields = append(fields, zap.String("target", evt.Target))
			if evt.Dur > 0 {
				fields = append(fields, zap.Duration("dur", evt.Dur))
			}
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("scan progress", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}

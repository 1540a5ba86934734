package service

import (
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/pipeline"
	"github.com/edgewire/appfn/runtime"
)

// reloadDebounce collapses the event bursts editors produce when saving
// the configuration file.
const reloadDebounce = 500 * time.Millisecond

type configuredPipeline struct {
	id     string
	topics []string
	fns    []pipeline.Transform
}

// loadConfigurablePipelines builds the pipelines the Writable pipeline
// section describes and registers them with the runtime. Every function
// is built before anything is applied, so a bad edit leaves the running
// pipelines untouched. Pipelines the section no longer defines are
// removed; pipelines registered from code are never touched.
func (s *Service) loadConfigurablePipelines(pcfg config.PipelineConfig) error {
	var target *runtime.Target
	if pcfg.TargetType != "" {
		t, err := runtime.TargetFromName(pcfg.TargetType)
		if err != nil {
			return err
		}
		target = &t
	}

	var defaultFns []pipeline.Transform
	if order := strings.TrimSpace(pcfg.ExecutionOrder); order != "" {
		fns, err := s.buildTransforms(pipeline.DefaultID, order, pcfg.Functions)
		if err != nil {
			return err
		}
		defaultFns = fns
	}

	ids := make([]string, 0, len(pcfg.PerTopicPipelines))
	for id := range pcfg.PerTopicPipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	built := make([]configuredPipeline, 0, len(ids))
	for _, id := range ids {
		tp := pcfg.PerTopicPipelines[id]

		topics := splitList(tp.Topics)
		if len(topics) == 0 {
			return errkind.Newf(errkind.KindContractInvalid, "pipeline %s has no topics", id)
		}
		fns, err := s.buildTransforms(id, tp.ExecutionOrder, pcfg.Functions)
		if err != nil {
			return err
		}
		built = append(built, configuredPipeline{id: id, topics: topics, fns: fns})
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if target != nil {
		s.rt.SetTarget(*target)
	}

	switch {
	case defaultFns != nil:
		if err := s.rt.SetDefaultPipeline(defaultFns...); err != nil {
			return err
		}
		s.defaultFromConfig = true
	case s.defaultFromConfig:
		s.rt.RemovePipeline(pipeline.DefaultID)
		s.defaultFromConfig = false
	}

	seen := make(map[string]bool, len(built))
	for _, cp := range built {
		if err := s.rt.ReplacePipeline(cp.id, cp.topics, cp.fns...); err != nil {
			return err
		}
		seen[cp.id] = true
		s.logger.Debug("registered configured pipeline",
			slog.String("pipeline", cp.id),
			slog.String("topics", strings.Join(cp.topics, ",")))
	}

	for id := range s.configuredPipelines {
		if !seen[id] {
			s.rt.RemovePipeline(id)
			s.logger.Info("Removed pipeline no longer in configuration", slog.String("pipeline", id))
		}
	}
	s.configuredPipelines = seen

	return nil
}

// buildTransforms turns an execution order into transforms using the
// function registry and the per-function parameters.
func (s *Service) buildTransforms(pipelineID, executionOrder string, functions map[string]config.PipelineFunction) ([]pipeline.Transform, error) {
	names := splitList(executionOrder)
	if len(names) == 0 {
		return nil, errkind.Newf(errkind.KindContractInvalid,
			"pipeline %s has an empty execution order", pipelineID)
	}

	fns := make([]pipeline.Transform, 0, len(names))
	for _, name := range names {
		fn, err := s.functions.Build(name, functionParameters(functions, name))
		if err != nil {
			return nil, errkind.Wrap(errkind.KindContractInvalid,
				"pipeline "+pipelineID+" references function "+name, err)
		}
		fns = append(fns, fn)
	}
	return fns, nil
}

// functionParameters finds the parameters configured for a function,
// matching the name case-insensitively like the registry does.
func functionParameters(functions map[string]config.PipelineFunction, name string) map[string]string {
	for key, fn := range functions {
		if strings.EqualFold(key, name) {
			return fn.Parameters
		}
	}
	return nil
}

// watchPipelineConfig starts the fsnotify watcher reloading the
// configurable pipelines when the configuration file changes. The
// watcher runs on the service wait group and stops with the service.
func (s *Service) watchPipelineConfig() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errkind.Wrap(errkind.KindServerError, "failed to create the configuration watcher", err)
	}

	// Watch the directory, not the file: editors replace files by
	// rename, which drops a watch on the file itself.
	path := s.flags.ConfigFilePath()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return errkind.Wrap(errkind.KindServerError, "failed to watch the configuration directory", err)
	}

	s.appWg.Add(1)
	go func() {
		defer s.appWg.Done()
		defer func() { _ = watcher.Close() }()

		s.logger.Info("Watching pipeline configuration", slog.String("path", path))

		ticker := time.NewTicker(reloadDebounce)
		defer ticker.Stop()
		pending := false

		for {
			select {
			case <-s.appCtx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					pending = true
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("configuration watcher error", slog.Any("error", err))

			case <-ticker.C:
				if pending {
					pending = false
					s.reloadWritable()
				}
			}
		}
	}()

	return nil
}

// reloadWritable re-reads the configuration and applies the sections
// that may change at runtime: the log level and the configurable
// pipelines. A failed reload keeps the running state.
func (s *Service) reloadWritable() {
	cfg, err := config.NewLoader(s.logger).Load(s.flags)
	if err != nil {
		s.logger.Error("configuration reload failed, keeping the running pipelines",
			slog.Any("error", err))
		return
	}

	s.logLevel.Set(config.LogLevel(cfg.Writable.LogLevel))

	if err := s.loadConfigurablePipelines(cfg.Writable.Pipeline); err != nil {
		s.logger.Error("pipeline reload failed, keeping the running pipelines",
			slog.Any("error", err))
		return
	}

	s.logger.Info("Reloaded pipeline configuration")
}

func splitList(csv string) []string {
	var out []string
	for _, v := range strings.Split(csv, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

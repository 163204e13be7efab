package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/settings"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/port/cache"
)

// Workflow config file names.
const (
	LayerFileName     = "workflow-config.yaml"
	TaskLayerFileName = "config.yaml"
)

// layerDirs are searched in order under the home and project directories; the
// first existing file wins.
var layerDirs = []string{".crewflow", ".claude"}

// LayerWatcher reports changes to layer files.
type LayerWatcher interface {
	Watch(path string) error
	Generation() uint64
}

// Source describes where one layer came from.
type Source struct {
	Layer   string `json:"layer"`
	Path    string `json:"path,omitempty"`
	Present bool   `json:"present"`
}

// Effective is a resolved configuration with the layers it was built from.
type Effective struct {
	Settings settings.Settings `json:"settings"`
	Sources  []Source          `json:"sources"`
}

// ConfigService resolves the layered workflow configuration for a task.
type ConfigService struct {
	cache   cache.Cache
	ttl     time.Duration
	watcher LayerWatcher
	group   singleflight.Group
}

// NewConfigService creates a ConfigService. c and w may be nil, disabling
// caching and change tracking respectively.
func NewConfigService(c cache.Cache, ttl time.Duration, w LayerWatcher) *ConfigService {
	return &ConfigService{cache: c, ttl: ttl, watcher: w}
}

type rawLayer struct {
	source Source
	data   []byte
}

// Resolve returns the effective configuration for taskID (which may be empty
// before a task exists) under tc. Any invalid layer yields *domain.ConfigError.
func (s *ConfigService) Resolve(ctx context.Context, tc task.Context, taskID string) (Effective, error) {
	raws, err := s.readLayers(tc, taskID)
	if err != nil {
		return Effective{}, err
	}
	key := s.fingerprint(raws, tc.Overrides)

	if eff, ok := s.cached(ctx, key); ok {
		return eff, nil
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		eff, err := resolveLayers(raws, tc.Overrides)
		if err != nil {
			return nil, err
		}
		s.store(ctx, key, eff)
		return eff, nil
	})
	if err != nil {
		return Effective{}, err
	}
	return v.(Effective), nil
}

func resolveLayers(raws []rawLayer, overrides []string) (Effective, error) {
	eff := Effective{}
	layers := make([]settings.Layer, 0, len(raws)+1)
	for _, r := range raws {
		l, err := settings.ParseLayer(r.source.Layer, r.data)
		if err != nil {
			return Effective{}, err
		}
		layers = append(layers, l)
		eff.Sources = append(eff.Sources, r.source)
	}
	runtime, err := settings.ParseOverrides(overrides)
	if err != nil {
		return Effective{}, err
	}
	layers = append(layers, runtime)
	eff.Sources = append(eff.Sources, Source{Layer: settings.LayerRuntime, Present: len(overrides) > 0})

	eff.Settings, err = settings.Resolve(layers...)
	if err != nil {
		return Effective{}, err
	}
	return eff, nil
}

// LayerPaths returns the candidate files for each file-backed layer, in
// precedence order.
func LayerPaths(tc task.Context, taskID string) (map[string][]string, error) {
	home := tc.HomeDir
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, &domain.ConfigError{Layer: settings.LayerGlobal, Reason: "cannot locate home directory: " + err.Error()}
		}
		home = h
	}
	paths := map[string][]string{}
	for _, d := range layerDirs {
		paths[settings.LayerGlobal] = append(paths[settings.LayerGlobal], filepath.Join(home, d, LayerFileName))
		if tc.ProjectDir != "" {
			paths[settings.LayerProject] = append(paths[settings.LayerProject], filepath.Join(tc.ProjectDir, d, LayerFileName))
		}
	}
	if taskID != "" && tc.TasksDir != "" {
		paths[settings.LayerTask] = []string{filepath.Join(tc.TasksDir, taskID, TaskLayerFileName)}
	}
	return paths, nil
}

func (s *ConfigService) readLayers(tc task.Context, taskID string) ([]rawLayer, error) {
	paths, err := LayerPaths(tc, taskID)
	if err != nil {
		return nil, err
	}
	var out []rawLayer
	for _, name := range []string{settings.LayerGlobal, settings.LayerProject, settings.LayerTask} {
		candidates := paths[name]
		if len(candidates) == 0 {
			continue
		}
		r := rawLayer{source: Source{Layer: name}}
		for _, p := range candidates {
			s.watch(p)
			data, err := os.ReadFile(p)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, &domain.ConfigError{Layer: name, Reason: fmt.Sprintf("read %s: %v", p, err)}
			}
			r.source.Path, r.source.Present, r.data = p, true, data
			break
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *ConfigService) watch(path string) {
	if s.watcher == nil {
		return
	}
	if err := s.watcher.Watch(path); err != nil {
		slog.Debug("config watch", "path", path, "error", err)
	}
}

// fingerprint keys a resolution by the exact layer bytes, the runtime
// overrides and the watcher generation.
func (s *ConfigService) fingerprint(raws []rawLayer, overrides []string) string {
	h, _ := blake2b.New256(nil)
	for _, r := range raws {
		_, _ = h.Write([]byte(r.source.Layer + "\x00" + r.source.Path + "\x00"))
		_, _ = h.Write(r.data)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write([]byte(strings.Join(overrides, "\x00")))
	if s.watcher != nil {
		_, _ = h.Write([]byte("\x00gen=" + strconv.FormatUint(s.watcher.Generation(), 10)))
	}
	return "config:" + hex.EncodeToString(h.Sum(nil))
}

func (s *ConfigService) cached(ctx context.Context, key string) (Effective, bool) {
	if s.cache == nil {
		return Effective{}, false
	}
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "config cache get", "error", err)
		return Effective{}, false
	}
	if !ok {
		return Effective{}, false
	}
	var eff Effective
	if err := json.Unmarshal(data, &eff); err != nil {
		_ = s.cache.Delete(ctx, key)
		return Effective{}, false
	}
	return eff, true
}

func (s *ConfigService) store(ctx context.Context, key string, eff Effective) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(eff)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		slog.WarnContext(ctx, "config cache set", "error", err)
	}
}

// Package tailer converts file growth into ordered log entries. Each
// enabled source is watched through fsnotify; appends are read in chunks,
// split at newlines, and pushed to the ingestion queue with stable offsets
// that survive rotation.
package tailer

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	apperrors "github.com/logwarden/logwarden/internal/errors"
	"github.com/logwarden/logwarden/internal/metrics"
	"github.com/logwarden/logwarden/internal/models"
	"github.com/logwarden/logwarden/internal/queue"
)

const readChunkSize = 64 * 1024

// EntrySink admits tailed entries; the queue is the backpressure authority.
type EntrySink interface {
	Enqueue(entry *models.LogEntry) queue.Admission
}

// OffsetStore persists per-file offsets so restarts resume where they left off.
type OffsetStore interface {
	SaveOffset(source, file string, offset, size int64) error
	LoadOffset(source, file string) (offset int64, ok bool, err error)
}

// Options tune the tailer.
type Options struct {
	Debounce      time.Duration // coalesce rapid writes to the same path
	SweepInterval time.Duration // retry cadence for errored sources
	RetryInterval time.Duration // backpressure retry cadence
	MaxOpenFiles  int
	MaxSources    int
}

func (o *Options) setDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 100 * time.Millisecond
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 60 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Second
	}
	if o.MaxOpenFiles < 1 {
		o.MaxOpenFiles = 256
	}
	if o.MaxSources < 1 {
		o.MaxSources = 100
	}
}

type fileState struct {
	offset  int64
	partial []byte // trailing bytes after the last newline
}

type sourceState struct {
	cfg   models.SourceConfig
	files map[string]*fileState // keyed by absolute file path
}

type pathEvent struct {
	path   string
	create bool
}

// Tailer owns per-source offsets. All state mutation happens on the run
// loop goroutine; fsnotify callbacks and public methods only send to it.
type Tailer struct {
	opts Options

	sink    EntrySink
	offsets OffsetStore

	// OnSourceStatus, when set, observes source status transitions.
	OnSourceStatus func(name string, status models.SourceStatus, message string)
	// OnError, when set, receives tailing failures for classification.
	OnError func(err error)

	watcher *fsnotify.Watcher

	sources  map[string]*sourceState
	watchRef map[string]int // directory path -> subscriber count

	events   chan pathEvent
	commands chan func()
	pending  []*models.LogEntry // entries the queue pushed back

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer

	handles *handleCache

	entropy *ulid.MonotonicEntropy

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped tailer; call Start to begin watching.
func New(sink EntrySink, offsets OffsetStore, opts Options) (*Tailer, error) {
	opts.setDefaults()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperrors.System("tailer", "new_watcher", err)
	}
	return &Tailer{
		opts:     opts,
		sink:     sink,
		offsets:  offsets,
		watcher:  watcher,
		sources:  make(map[string]*sourceState),
		watchRef: make(map[string]int),
		events:   make(chan pathEvent, 1024),
		commands: make(chan func(), 64),
		debounce: make(map[string]*time.Timer),
		handles:  newHandleCache(opts.MaxOpenFiles),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the notification and run loops.
func (t *Tailer) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go t.watchLoop(ctx)
	go t.runLoop(ctx)
}

// Stop terminates the loops and closes all file handles. Idempotent.
func (t *Tailer) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.watcher.Close()
	t.handles.closeAll()
}

// AddSource registers a source. For file sources the parent directory is
// watched; directory sources watch the directory itself. On first enable
// the offset seeks to end-of-file so history is not replayed; persisted
// offsets take precedence on restart.
func (t *Tailer) AddSource(cfg models.SourceConfig) error {
	errc := make(chan error, 1)
	t.commands <- func() { errc <- t.addSource(cfg) }
	return <-errc
}

// RemoveSource purges the source's in-memory state and drops its watches.
func (t *Tailer) RemoveSource(name string) {
	donec := make(chan struct{})
	t.commands <- func() {
		t.removeSource(name)
		close(donec)
	}
	<-donec
}

func (t *Tailer) addSource(cfg models.SourceConfig) error {
	if _, exists := t.sources[cfg.Name]; exists {
		return fmt.Errorf("source %q already registered", cfg.Name)
	}
	if len(t.sources) >= t.opts.MaxSources {
		return fmt.Errorf("source limit reached (%d)", t.opts.MaxSources)
	}

	src := &sourceState{cfg: cfg, files: make(map[string]*fileState)}

	switch cfg.Type {
	case models.SourceFile:
		if err := t.refWatch(filepath.Dir(cfg.Path)); err != nil {
			return err
		}
		fs := &fileState{}
		if off, ok, err := t.loadOffset(cfg.Name, cfg.Path); err == nil && ok {
			fs.offset = off
		} else if info, serr := os.Stat(cfg.Path); serr == nil {
			fs.offset = info.Size()
		}
		src.files[cfg.Path] = fs
	case models.SourceDirectory:
		if err := t.refWatch(cfg.Path); err != nil {
			return err
		}
		if cfg.Recursive {
			filepath.WalkDir(cfg.Path, func(p string, d os.DirEntry, err error) error {
				if err == nil && d.IsDir() && p != cfg.Path {
					t.refWatch(p)
				}
				return nil
			})
		}
	default:
		return fmt.Errorf("unknown source type %q", cfg.Type)
	}

	t.sources[cfg.Name] = src
	t.setStatus(src, models.SourceActive, "")
	log.Info().Str("source", cfg.Name).Str("path", cfg.Path).
		Str("type", string(cfg.Type)).Msg("Tailing source")
	return nil
}

func (t *Tailer) removeSource(name string) {
	src, ok := t.sources[name]
	if !ok {
		return
	}
	delete(t.sources, name)

	switch src.cfg.Type {
	case models.SourceFile:
		t.unrefWatch(filepath.Dir(src.cfg.Path))
	case models.SourceDirectory:
		t.unrefWatch(src.cfg.Path)
		if src.cfg.Recursive {
			for dir, n := range t.watchRef {
				if n > 0 && strings.HasPrefix(dir, src.cfg.Path+string(filepath.Separator)) {
					t.unrefWatch(dir)
				}
			}
		}
	}
	for path := range src.files {
		t.handles.close(path)
	}
	log.Info().Str("source", name).Msg("Source removed from tailer")
}

// refWatch adds a directory watch, reference-counted across sources.
func (t *Tailer) refWatch(dir string) error {
	if t.watchRef[dir] == 0 {
		if err := t.watcher.Add(dir); err != nil {
			return apperrors.System("tailer", "watch_dir", err)
		}
	}
	t.watchRef[dir]++
	return nil
}

func (t *Tailer) unrefWatch(dir string) {
	if t.watchRef[dir] == 0 {
		return
	}
	t.watchRef[dir]--
	if t.watchRef[dir] == 0 {
		t.watcher.Remove(dir)
		delete(t.watchRef, dir)
	}
}

// watchLoop receives fsnotify events on the watcher's goroutine and
// forwards them to the run loop, debouncing rapid writes. Creates are
// never debounced.
func (t *Tailer) watchLoop(ctx context.Context) {
	for {
		select {
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				t.dispatch(pathEvent{path: ev.Name, create: true})
			case ev.Op.Has(fsnotify.Write), ev.Op.Has(fsnotify.Chmod):
				t.debounced(ev.Name)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.reportError(apperrors.System("tailer", "watch", err))
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tailer) debounced(path string) {
	t.debounceMu.Lock()
	defer t.debounceMu.Unlock()
	if timer, ok := t.debounce[path]; ok {
		timer.Reset(t.opts.Debounce)
		return
	}
	t.debounce[path] = time.AfterFunc(t.opts.Debounce, func() {
		t.debounceMu.Lock()
		delete(t.debounce, path)
		t.debounceMu.Unlock()
		t.dispatch(pathEvent{path: path})
	})
}

func (t *Tailer) dispatch(ev pathEvent) {
	select {
	case t.events <- ev:
	default:
		// Event channel saturated; the sweep will catch up.
		log.Warn().Str("path", ev.path).Msg("Tailer event channel full, deferring to sweep")
	}
}

// runLoop owns all per-source state.
func (t *Tailer) runLoop(ctx context.Context) {
	defer close(t.done)

	sweep := time.NewTicker(t.opts.SweepInterval)
	defer sweep.Stop()
	retry := time.NewTicker(t.opts.RetryInterval)
	defer retry.Stop()

	for {
		select {
		case ev := <-t.events:
			t.handleEvent(ev)
		case cmd := <-t.commands:
			cmd()
		case <-retry.C:
			t.flushPending()
		case <-sweep.C:
			t.sweepSources()
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tailer) handleEvent(ev pathEvent) {
	for _, src := range t.sources {
		if !src.cfg.Enabled || src.cfg.Status == models.SourcePaused {
			continue
		}
		if !t.matches(src, ev.path) {
			continue
		}
		if ev.create {
			if info, err := os.Stat(ev.path); err == nil && info.IsDir() {
				if src.cfg.Type == models.SourceDirectory && src.cfg.Recursive {
					t.refWatch(ev.path)
				}
				continue
			}
			// A freshly created file is read from the start.
			if _, ok := src.files[ev.path]; !ok {
				src.files[ev.path] = &fileState{}
			}
		}
		t.readSourceFile(src, ev.path)
	}
}

// matches reports whether path belongs to src.
func (t *Tailer) matches(src *sourceState, path string) bool {
	switch src.cfg.Type {
	case models.SourceFile:
		return path == src.cfg.Path
	case models.SourceDirectory:
		rel, err := filepath.Rel(src.cfg.Path, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return false
		}
		if !src.cfg.Recursive && strings.ContainsRune(rel, filepath.Separator) {
			return false
		}
		pattern := src.cfg.FilePattern
		if pattern == "" {
			pattern = "*"
		}
		return wildcard.Match(pattern, filepath.Base(path))
	default:
		return false
	}
}

// readSourceFile reads [offset, size) of path, emitting one entry per
// complete line. A size regression is treated as rotation and resets the
// offset to zero.
func (t *Tailer) readSourceFile(src *sourceState, path string) {
	fs, ok := src.files[path]
	if !ok {
		fs = &fileState{}
		if off, loaded, err := t.loadOffset(src.cfg.Name, path); err == nil && loaded {
			fs.offset = off
		} else if info, serr := os.Stat(path); serr == nil {
			fs.offset = info.Size()
		}
		src.files[path] = fs
	}

	file, err := t.handles.open(path)
	if err != nil {
		t.fail(src, apperrors.System("tailer", "open", err))
		return
	}

	info, err := file.Stat()
	if err != nil {
		t.fail(src, apperrors.System("tailer", "stat", err))
		return
	}

	// A rename-and-recreate rotation leaves the cached descriptor on the
	// old inode. Reopen when the path no longer refers to it.
	if pathInfo, perr := os.Stat(path); perr == nil && !os.SameFile(info, pathInfo) {
		t.handles.close(path)
		if file, err = t.handles.open(path); err != nil {
			t.fail(src, apperrors.System("tailer", "reopen", err))
			return
		}
		info = pathInfo
		fs.offset = 0
		fs.partial = nil
		log.Info().Str("path", path).Msg("File replaced, reading from start")
	}
	size := info.Size()

	if size < fs.offset {
		log.Info().Str("path", path).Int64("size", size).Int64("offset", fs.offset).
			Msg("Rotation detected, resetting offset")
		fs.offset = 0
		fs.partial = nil
	}
	if size == fs.offset {
		t.touch(src, size, fs.offset)
		return
	}

	buf := make([]byte, readChunkSize)
	for fs.offset < size {
		want := size - fs.offset
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, rerr := file.ReadAt(buf[:want], fs.offset)
		if n > 0 {
			t.consume(src, path, fs, buf[:n])
		}
		if rerr != nil {
			if rerr != io.EOF {
				t.fail(src, apperrors.System("tailer", "read_chunk", rerr))
				return
			}
			break
		}
	}

	t.touch(src, size, fs.offset)
	t.saveOffset(src.cfg.Name, path, fs.offset, size)
}

// consume splits chunk at newlines, carrying the trailing partial line.
// The offset advances by bytes consumed including each delimiter.
func (t *Tailer) consume(src *sourceState, path string, fs *fileState, chunk []byte) {
	metrics.RecordTailedBytes(src.cfg.Name, len(chunk))
	data := chunk
	for {
		idx := -1
		for i, b := range data {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			fs.partial = append(fs.partial, data...)
			fs.offset += int64(len(data))
			return
		}

		line := data[:idx]
		if len(fs.partial) > 0 {
			line = append(fs.partial, line...)
			fs.partial = nil
		}
		fs.offset += int64(idx) + 1
		data = data[idx+1:]

		t.emit(src, path, string(line), fs.offset)
	}
}

func (t *Tailer) emit(src *sourceState, path, content string, offset int64) {
	content = strings.TrimRight(content, "\r")
	if content == "" {
		return
	}
	if len(content) > models.MaxLineBytes {
		content = content[:models.MaxLineBytes] + models.TruncationMarker
	}

	entry := &models.LogEntry{
		ID:         ulid.MustNew(ulid.Timestamp(time.Now()), t.entropy).String(),
		Content:    content,
		SourceName: src.cfg.Name,
		SourcePath: path,
		Timestamp:  time.Now(),
		Priority:   bandFor(src.cfg.Priority),
		FileOffset: offset,
		Status:     models.EntryPending,
		CreatedAt:  time.Now(),
	}

	// Order must hold per file: once anything is pending, everything new
	// queues behind it.
	if len(t.pending) > 0 {
		t.pending = append(t.pending, entry)
		return
	}
	if adm := t.sink.Enqueue(entry); adm != queue.Accepted {
		log.Warn().Err(adm.Err()).Str("source", src.cfg.Name).
			Msg("Queue rejected entry, holding for retry")
		t.pending = append(t.pending, entry)
	}
}

// flushPending retries entries the queue rejected, preserving order. The
// tailer never discards on backpressure.
func (t *Tailer) flushPending() {
	for len(t.pending) > 0 {
		if adm := t.sink.Enqueue(t.pending[0]); adm != queue.Accepted {
			return
		}
		t.pending = t.pending[1:]
	}
}

// sweepSources re-reads errored sources and re-scans directories for files
// whose events were missed.
func (t *Tailer) sweepSources() {
	for _, src := range t.sources {
		if !src.cfg.Enabled {
			continue
		}
		if src.cfg.Status == models.SourceError {
			t.setStatus(src, models.SourceActive, "")
		}
		if src.cfg.Type == models.SourceDirectory {
			t.scanDirectory(src)
		}
		for path := range src.files {
			t.readSourceFile(src, path)
		}
	}
}

// scanDirectory picks up matching files whose create events were missed.
// readSourceFile seeds offsets for files it has not seen before.
func (t *Tailer) scanDirectory(src *sourceState) {
	walk := func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if _, tracked := src.files[p]; !tracked && t.matches(src, p) {
			t.readSourceFile(src, p)
		}
		return nil
	}
	if src.cfg.Recursive {
		filepath.WalkDir(src.cfg.Path, walk)
		return
	}
	entries, err := os.ReadDir(src.cfg.Path)
	if err != nil {
		t.fail(src, apperrors.System("tailer", "scan_dir", err))
		return
	}
	for _, entry := range entries {
		walk(filepath.Join(src.cfg.Path, entry.Name()), entry, nil)
	}
}

func (t *Tailer) touch(src *sourceState, size, offset int64) {
	src.cfg.LastMonitored = time.Now()
	src.cfg.FileSize = size
	src.cfg.LastOffset = offset
	if src.cfg.Status != models.SourceActive {
		t.setStatus(src, models.SourceActive, "")
	}
}

func (t *Tailer) fail(src *sourceState, err error) {
	t.setStatus(src, models.SourceError, err.Error())
	t.reportError(err)
}

func (t *Tailer) setStatus(src *sourceState, status models.SourceStatus, message string) {
	src.cfg.Status = status
	src.cfg.ErrorMessage = message
	if t.OnSourceStatus != nil {
		t.OnSourceStatus(src.cfg.Name, status, message)
	}
}

func (t *Tailer) reportError(err error) {
	log.Error().Err(err).Msg("Tailer error")
	if t.OnError != nil {
		t.OnError(err)
	}
}

func (t *Tailer) loadOffset(source, file string) (int64, bool, error) {
	if t.offsets == nil {
		return 0, false, nil
	}
	return t.offsets.LoadOffset(source, file)
}

func (t *Tailer) saveOffset(source, file string, offset, size int64) {
	if t.offsets == nil {
		return
	}
	if err := t.offsets.SaveOffset(source, file, offset, size); err != nil {
		log.Warn().Err(err).Str("source", source).Msg("Failed to persist offset")
	}
}

// SourceSnapshot returns a copy of the tracked config for one source.
func (t *Tailer) SourceSnapshot(name string) (models.SourceConfig, bool) {
	out := make(chan models.SourceConfig, 1)
	okc := make(chan bool, 1)
	t.commands <- func() {
		src, ok := t.sources[name]
		if ok {
			out <- src.cfg
		} else {
			out <- models.SourceConfig{}
		}
		okc <- ok
	}
	cfg := <-out
	return cfg, <-okc
}

// PendingCount reports entries held back by queue backpressure.
func (t *Tailer) PendingCount() int {
	out := make(chan int, 1)
	t.commands <- func() { out <- len(t.pending) }
	return <-out
}

// bandFor maps a source priority (1..10, 10 highest) onto a queue band.
func bandFor(sourcePriority int) models.Priority {
	switch {
	case sourcePriority >= 9:
		return models.PriorityCritical
	case sourcePriority >= 7:
		return models.PriorityHigh
	case sourcePriority >= 5:
		return models.PriorityMedium
	case sourcePriority >= 3:
		return models.PriorityLow
	default:
		return models.PriorityBulk
	}
}

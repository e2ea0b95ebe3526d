// Package settings implements the process-wide typed key/value store
// of spec.md §4.C: built-in defaults, then /etc/<app>/NN*.conf
// overrides, then a single user values file; typed reads and writes;
// in-process subscriber notification; deduplicated bus-broadcast change
// notifications; and an atomic save.
package settings

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/christophe-duc/mce/pkg/mceerrors"
	"github.com/christophe-duc/mce/pkg/value"
)

// BusBroadcaster emits the config-change-ind bus signal of spec.md §6.
// Implementations live in package bus; NoopBroadcaster is provided here
// for tests and for stores that run with no bus connection.
type BusBroadcaster interface {
	EmitConfigChange(key, serializedValue string)
}

// NoopBroadcaster discards every broadcast. Useful in tests.
type NoopBroadcaster struct{}

func (NoopBroadcaster) EmitConfigChange(string, string) {}

// Default describes one built-in settings entry.
type Default struct {
	Key         string
	Tag         value.Tag
	ElemTag     value.Tag // only meaningful when Tag == value.List
	DefaultText string
}

// SubscriptionID is an opaque, monotonically increasing handle returned by NotifyAdd.
type SubscriptionID uint64

type subscription struct {
	id       SubscriptionID
	prefix   string
	callback func(key string, v value.Value)
	destroy  func()
}

type entry struct {
	tag           value.Tag
	elemTag       value.Tag
	val           value.Value
	defaultText   string
	lastBroadcast string
	everBroadcast bool
}

// Config configures a Store. EtcDir and UserFilePath are resolved by
// the caller (normally via pkg/config) and are not defaulted here: an
// empty EtcDir skips the override files, and an empty UserFilePath
// skips both loading and saving the user file. Tests typically point
// both at a temp directory.
type Config struct {
	AppName      string
	EtcDir       string
	UserFilePath string
	Bus          BusBroadcaster
	Log          *logrus.Entry
}

// Store is the process-wide settings store. One per process, lazily
// constructed by the caller at first use (spec.md §5); there is no
// package-level singleton here, callers own the lifetime.
type Store struct {
	appName      string
	etcDir       string
	userFilePath string
	bus          BusBroadcaster
	log          *logrus.Entry

	order   []string
	entries map[string]*entry

	subs      []*subscription
	nextSubID SubscriptionID
}

// NewStore constructs an empty Store. Call Load to populate it.
func NewStore(cfg Config) *Store {
	bus := cfg.Bus
	if bus == nil {
		bus = NoopBroadcaster{}
	}
	return &Store{
		appName:      cfg.AppName,
		etcDir:       cfg.EtcDir,
		userFilePath: cfg.UserFilePath,
		bus:          bus,
		log:          cfg.Log,
		entries:      make(map[string]*entry),
	}
}

func (s *Store) debugf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Debugf(format, args...)
	}
}

func (s *Store) warnf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Warnf(format, args...)
	}
}

// Load runs the initialization sequence of spec.md §4.C:
//  1. install built-in defaults
//  2. apply /etc/<app>/NN*.conf overrides in lexical order
//  3. snapshot every entry's serialized form as its default text
//  4. overwrite with the user values file
//  5. save the user file back, keeping only entries that differ from their default text
func (s *Store) Load(defaults []Default) error {
	for _, d := range defaults {
		s.order = append(s.order, d.Key)
		s.entries[d.Key] = &entry{
			tag:     d.Tag,
			elemTag: d.ElemTag,
			val:     value.SetFromText(d.Tag, d.ElemTag, d.DefaultText, s.log),
		}
	}

	if err := s.applyOverrideFiles(); err != nil {
		s.warnf("settings: override load error: %v", err)
	}

	for _, key := range s.order {
		e := s.entries[key]
		e.defaultText = value.ToText(e.val)
	}

	if err := s.applyUserFile(); err != nil {
		s.warnf("settings: user file load error: %v", err)
	}

	return s.save()
}

func (s *Store) applyOverrideFiles() error {
	if s.etcDir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(s.etcDir, "[0-9][0-9]*.conf"))
	if err != nil {
		return err
	}
	sort.Strings(matches)
	for _, path := range matches {
		if err := s.applyKeyValueFile(path, true); err != nil {
			s.warnf("settings: failed to open override file %s: %v", path, err)
		}
	}
	return nil
}

func (s *Store) applyUserFile() error {
	if s.userFilePath == "" {
		return nil
	}
	if _, err := os.Stat(s.userFilePath); os.IsNotExist(err) {
		return nil
	}
	return s.applyKeyValueFile(s.userFilePath, false)
}

// applyKeyValueFile parses `key=value` lines (both sides trimmed). Unknown
// keys are ignored with a debug log. fromOverride is not consulted: override
// files and the user file are parsed identically.
func (s *Store) applyKeyValueFile(path string, fromOverride bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		text := strings.TrimSpace(line[idx+1:])

		e, ok := s.entries[key]
		if !ok {
			s.debugf("settings: ignoring unknown key %q in %s", key, path)
			continue
		}
		e.val = value.SetFromText(e.tag, e.elemTag, text, s.log)
	}
	return scanner.Err()
}

// Get returns a copy of the current value of key. Callers must treat it as
// read-only even though Go cannot enforce that for the Value type itself.
func (s *Store) Get(key string) (value.Value, error) {
	e, ok := s.entries[key]
	if !ok {
		return value.Value{}, fmt.Errorf("settings: unknown key %q", key)
	}
	return e.val.Copy(), nil
}

// Set writes v to key after checking that v's tag (and, for lists, element
// tag) matches the entry's declared type. On success it notifies every
// in-process subscriber whose prefix matches key, then emits the
// config-change-ind bus signal only if the serialized form differs from
// the last value broadcast for this key (spec.md §4.C, open question 3:
// dedup applies to the bus only, not to in-process subscribers).
func (s *Store) Set(key string, v value.Value) error {
	e, ok := s.entries[key]
	if !ok {
		return mceerrors.NewComplexError(mceerrors.ErrUnknownSettingsKey, "unknown settings key "+key)
	}
	if e.tag != v.Tag() || (e.tag == value.List && e.elemTag != v.ElementTag()) {
		s.warnf("settings: type mismatch setting %q", key)
		return mceerrors.NewComplexError(mceerrors.ErrTypeMismatch, "type mismatch for key "+key)
	}

	e.val = v.Copy()
	serialized := value.ToText(e.val)

	s.notifySubscribers(key, e.val)

	if !e.everBroadcast || e.lastBroadcast != serialized {
		s.bus.EmitConfigChange(key, serialized)
		e.lastBroadcast = serialized
		e.everBroadcast = true
	}
	return nil
}

func (s *Store) notifySubscribers(key string, v value.Value) {
	for _, sub := range s.subs {
		if strings.HasPrefix(key, sub.prefix) {
			sub.callback(key, v)
		}
	}
}

// SetBool is a typed convenience wrapper over Set.
func (s *Store) SetBool(key string, b bool) error { return s.Set(key, value.NewBool(b)) }

// SetInt is a typed convenience wrapper over Set.
func (s *Store) SetInt(key string, i int64) error { return s.Set(key, value.NewInt(i)) }

// SetFloat is a typed convenience wrapper over Set.
func (s *Store) SetFloat(key string, f float64) error { return s.Set(key, value.NewFloat(f)) }

// SetString is a typed convenience wrapper over Set.
func (s *Store) SetString(key string, str string) error { return s.Set(key, value.NewString(str)) }

// ResetDefaults resets every entry whose key contains prefix back to its
// recorded default text, then notifies subscribers for each changed key
// only after every value has been updated, so subscribers observe a
// consistent snapshot (spec.md §4.C).
func (s *Store) ResetDefaults(prefix string) []string {
	var changed []string
	for _, key := range s.order {
		if !strings.Contains(key, prefix) {
			continue
		}
		e := s.entries[key]
		reset := value.SetFromText(e.tag, e.elemTag, e.defaultText, s.log)
		if !reset.Equal(e.val) {
			e.val = reset
			changed = append(changed, key)
		}
	}
	for _, key := range changed {
		e := s.entries[key]
		serialized := value.ToText(e.val)
		s.notifySubscribers(key, e.val)
		if !e.everBroadcast || e.lastBroadcast != serialized {
			s.bus.EmitConfigChange(key, serialized)
			e.lastBroadcast = serialized
			e.everBroadcast = true
		}
	}
	return changed
}

// NotifyAdd registers cb to be called whenever a key with the given prefix
// changes. The same subscriber may register multiple prefixes under
// distinct ids; ids are monotonically increasing and never reused.
func (s *Store) NotifyAdd(prefix string, cb func(key string, v value.Value), destroy func()) SubscriptionID {
	s.nextSubID++
	id := s.nextSubID
	s.subs = append(s.subs, &subscription{id: id, prefix: prefix, callback: cb, destroy: destroy})
	return id
}

// NotifyRemove removes the subscription, invoking its destroy hook if one was provided.
func (s *Store) NotifyRemove(id SubscriptionID) {
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			if sub.destroy != nil {
				sub.destroy()
			}
			return
		}
	}
}

// SuggestSync writes the user values file now.
func (s *Store) SuggestSync() error {
	return s.save()
}

// save performs the atomic write of spec.md §6: write to a uniquely named
// "<name>.tmp-*" file in the same directory, fsync, set mode 0664, rename
// over the target. Only entries
// whose serialized form differs from their recorded default text are written.
func (s *Store) save() error {
	if s.userFilePath == "" {
		return nil
	}

	var b strings.Builder
	for _, key := range s.order {
		e := s.entries[key]
		serialized := value.ToText(e.val)
		if serialized == e.defaultText {
			continue
		}
		fmt.Fprintf(&b, "%s=%s\n", key, serialized)
	}

	dir := filepath.Dir(s.userFilePath)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.userFilePath)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o664); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.userFilePath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Keys returns the registered settings keys in load order.
func (s *Store) Keys() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

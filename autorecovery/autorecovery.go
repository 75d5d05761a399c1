// Package autorecovery remembers motor positions while an operation that
// moves them is running, so they can be restored after a crash.
package autorecovery

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/biocars/lauecollect/settings"
	"github.com/biocars/lauecollect/util"
)

// Filename is the name of the file in the settings directory
const Filename = "lauecollect_autorecovery.py"

const operationKey = "operation"

// Motor is a device whose position is saved
type Motor interface {
	Value() (float64, error)
	SetValue(float64) error
}

// Motors looks up motors by name
type Motors func(name string) (Motor, bool)

// Position is a saved motor position
type Position struct {
	Name  string
	Value float64
}

// Record is the content of the file
type Record struct {
	Operation string
	Positions []Position
}

// Entry pairs a saved position with the current one, for the prompt
type Entry struct {
	Name            string
	Current, Stored float64
}

// ErrNoMotor is returned when restoring a motor that is not known
var ErrNoMotor = errors.New("autorecovery: unknown motor")

// Store is the autorecovery file
type Store struct {
	Path   string
	Motors Motors
}

// New returns the store in the settings directory dir
func New(dir string, motors Motors) *Store {
	return &Store{Path: filepath.Join(dir, Filename), Motors: motors}
}

// Save records the current positions of names for operation op
func (s *Store) Save(op string, names []string) error {
	buf := &bytes.Buffer{}
	lit, _ := settings.FormatLiteral(op)
	fmt.Fprintf(buf, "%s = %s\n", operationKey, lit)
	for _, name := range names {
		m, ok := s.Motors(name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrNoMotor, name)
		}
		v, err := m.Value()
		if err != nil {
			return fmt.Errorf("autorecovery: reading %s: %w", name, err)
		}
		lit, _ := settings.FormatLiteral(v)
		fmt.Fprintf(buf, "%s = %s\n", name, lit)
	}
	return util.WriteFileAtomic(s.Path, buf.Bytes())
}

// Delete removes the file; a missing file is not an error
func (s *Store) Delete() error {
	err := os.Remove(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads the file, returning false when there is none
func (s *Store) Load() (Record, bool, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		eq := strings.IndexByte(line, '=')
		if line == "" || strings.HasPrefix(line, "#") || eq < 0 {
			continue
		}
		name := strings.TrimSpace(line[:eq])
		v, err := settings.ParseLiteral(line[eq+1:])
		if err != nil {
			log.Printf("autorecovery: %s: %v, skipped\n", name, err)
			continue
		}
		if name == operationKey {
			rec.Operation, _ = v.(string)
			continue
		}
		switch x := v.(type) {
		case float64:
			rec.Positions = append(rec.Positions, Position{name, x})
		case int64:
			rec.Positions = append(rec.Positions, Position{name, float64(x)})
		default:
			log.Printf("autorecovery: %s: not a number, skipped\n", name)
		}
	}
	return rec, true, sc.Err()
}

// Entries compares the saved positions with the current ones.  Motors that
// can not be read have a NaN current value.
func (s *Store) Entries(rec Record) []Entry {
	out := make([]Entry, 0, len(rec.Positions))
	for _, p := range rec.Positions {
		e := Entry{Name: p.Name, Stored: p.Value, Current: math.NaN()}
		if m, ok := s.Motors(p.Name); ok {
			if v, err := m.Value(); err == nil {
				e.Current = v
			}
		}
		out = append(out, e)
	}
	return out
}

// Restore moves the named motors back to their saved positions; no names
// restores all of them
func (s *Store) Restore(rec Record, names ...string) error {
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}
	for _, p := range rec.Positions {
		if len(names) > 0 && !want[p.Name] {
			continue
		}
		m, ok := s.Motors(p.Name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrNoMotor, p.Name)
		}
		if err := m.SetValue(p.Value); err != nil {
			return fmt.Errorf("autorecovery: restoring %s: %w", p.Name, err)
		}
	}
	return nil
}

// Guard saves the positions of names, runs fn and deletes the file if fn
// succeeds
func (s *Store) Guard(op string, names []string, fn func() error) error {
	if err := s.Save(op, names); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return s.Delete()
}

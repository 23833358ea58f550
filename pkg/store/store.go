// Package store keeps capture records in a delimited text file until they
// have been delivered.
package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

const Delimiter = ';'

var (
	Header = []string{"time", "temperature", "humidity", "media", "contour"}

	ErrPersistence = errors.New("capture store write failed")
)

// Record is one capture. Media is the image base name without extension
// and is empty when no image was captured. Contour is the JSON-encoded
// region list, empty for external triggers.
type Record struct {
	Time        time.Time
	Temperature float64
	Humidity    float64
	Media       string
	Contour     string
}

func (r Record) fields() []string {
	return []string{
		strconv.FormatFloat(float64(r.Time.UnixNano())/1e9, 'f', -1, 64),
		strconv.FormatFloat(r.Temperature, 'f', -1, 64),
		strconv.FormatFloat(r.Humidity, 'f', -1, 64),
		r.Media,
		r.Contour,
	}
}

func parseRecord(fields []string) (Record, error) {
	if len(fields) < 4 {
		return Record{}, fmt.Errorf("expected at least 4 fields, got %d", len(fields))
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Record{}, fmt.Errorf("time: %w", err)
	}
	temp, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Record{}, fmt.Errorf("temperature: %w", err)
	}
	hum, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Record{}, fmt.Errorf("humidity: %w", err)
	}
	rec := Record{
		Time:        time.Unix(0, int64(secs*1e9)),
		Temperature: temp,
		Humidity:    hum,
		Media:       fields[3],
	}
	if len(fields) > 4 {
		rec.Contour = fields[4]
	}
	return rec, nil
}

// Store is an append-only file of records with a single header row.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Append writes rec, creating the file with its header row first if it is
// absent or empty.
func (s *Store) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	w := csv.NewWriter(f)
	w.Comma = Delimiter
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	if err := w.Write(rec.fields()); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return f.Sync()
}

// Records returns every data row. A missing file has no records.
func (s *Store) Records() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = Delimiter
	r.FieldsPerRecord = -1

	var records []Record
	for line := 1; ; line++ {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}
		if line == 1 && len(fields) > 0 && fields[0] == Header[0] {
			continue
		}
		rec, err := parseRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", s.path, line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	return err == nil && info.Size() > 0
}

// Remove deletes the file. Removing an absent store is not an error.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

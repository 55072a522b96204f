package sheet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"call-intake/internal/routing"

	"github.com/xuri/excelize/v2"
)

// Row is one analyzed call as written to a report workbook.
type Row struct {
	TaskID          string
	AccountID       string
	Report          routing.Report
	CallID          string
	Provider        string
	StartedAt       time.Time
	DurationSeconds int
	Phone           string
	ResponsibleUser string
	Transcript      string
	Answers         map[string]string
}

var fixedHeader = []string{"date", "task_id", "call_id", "provider", "duration_s", "phone", "responsible", "transcript"}

// Sink appends rows to one xlsx workbook per account, one sheet per report.
type Sink struct {
	dir string
	loc *time.Location
	mu  sync.Mutex
}

func NewSink(dir string, loc *time.Location) *Sink {
	if loc == nil {
		loc = time.UTC
	}
	return &Sink{dir: dir, loc: loc}
}

// Path is the workbook for accountID.
func (s *Sink) Path(accountID string) string {
	return filepath.Join(s.dir, sanitizeFileName(accountID)+".xlsx")
}

func (s *Sink) Append(ctx context.Context, r Row) error {
	if r.AccountID == "" {
		return errors.New("sheet: account id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("sheet: create dir: %w", err)
	}
	path := s.Path(r.AccountID)
	xl, fresh, err := openOrCreate(path)
	if err != nil {
		return err
	}
	defer func() { _ = xl.Close() }()

	name := SheetName(r.Report)
	if idx, _ := xl.GetSheetIndex(name); idx < 0 {
		if fresh {
			// Rename default sheet
			if err := xl.SetSheetName(xl.GetSheetName(0), name); err != nil {
				return fmt.Errorf("sheet: rename: %w", err)
			}
		} else if _, err := xl.NewSheet(name); err != nil {
			return fmt.Errorf("sheet: new sheet: %w", err)
		}
	}

	rows, err := xl.GetRows(name)
	if err != nil {
		return fmt.Errorf("sheet: read rows: %w", err)
	}
	if len(rows) == 0 {
		header := append([]string(nil), fixedHeader...)
		for _, q := range r.Report.Questions {
			header = append(header, q.Prompt)
		}
		if err := xl.SetSheetRow(name, "A1", &header); err != nil {
			return fmt.Errorf("sheet: header: %w", err)
		}
		rows = append(rows, header)
	}

	record := []string{
		r.StartedAt.In(s.loc).Format("2006-01-02 15:04:05"),
		r.TaskID,
		r.CallID,
		r.Provider,
		strconv.Itoa(r.DurationSeconds),
		r.Phone,
		r.ResponsibleUser,
		r.Transcript,
	}
	for _, q := range r.Report.Questions {
		record = append(record, r.Answers[q.Key])
	}
	cellRef, err := excelize.CoordinatesToCellName(1, len(rows)+1)
	if err != nil {
		return err
	}
	if err := xl.SetSheetRow(name, cellRef, &record); err != nil {
		return fmt.Errorf("sheet: write row: %w", err)
	}
	if err := xl.SaveAs(path); err != nil {
		return fmt.Errorf("sheet: save: %w", err)
	}
	return nil
}

func openOrCreate(path string) (*excelize.File, bool, error) {
	xl, err := excelize.OpenFile(path)
	if err == nil {
		return xl, false, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return excelize.NewFile(), true, nil
	}
	return nil, false, fmt.Errorf("sheet: open %s: %w", path, err)
}

// SheetName picks the report's sheet, falling back to its name or id.
func SheetName(r routing.Report) string {
	for _, n := range []string{r.SheetName, r.Name, r.ID} {
		if s := sanitizeSheetName(n); s != "" {
			return s
		}
	}
	return "report"
}

func sanitizeSheetName(name string) string {
	// Excel sheet names cannot contain: : \ / ? * [ ] and must be <= 31 chars
	replacer := strings.NewReplacer(":", "_", "\\", "_", "/", "_", "?", "_", "*", "_", "[", "_", "]", "_")
	safe := strings.TrimSpace(replacer.Replace(name))
	r := []rune(safe)
	if len(r) > 31 {
		r = r[:31]
	}
	return string(r)
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '.' || r == ':' {
			return '_'
		}
		return r
	}, s)
}

package sensor

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/raphadam/littleserver/proto"
)

const csvDateLayout = "2006-01-02 15:04:05"

var csvHeader = []string{"date", "PM10", "PM2_5"}

// CSVPath expands {year}, {month} and {day} in pattern.
func CSVPath(pattern string, t time.Time) string {
	return strings.NewReplacer(
		"{year}", strconv.Itoa(t.Year()),
		"{month}", fmt.Sprintf("%02d", int(t.Month())),
		"{day}", fmt.Sprintf("%02d", t.Day()),
	).Replace(pattern)
}

// AppendCSV adds one row to the file, writing the header when the file is new.
func AppendCSV(path string, t time.Time, r proto.Reading) error {
	_, err := os.Stat(path)
	exists := err == nil

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("unable to open csv %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if !exists {
		err = w.Write(csvHeader)
		if err != nil {
			return fmt.Errorf("unable to write csv header %w", err)
		}
	}

	err = w.Write([]string{
		t.Format(csvDateLayout),
		strconv.FormatFloat(r.PM10, 'f', -1, 64),
		strconv.FormatFloat(r.PM25, 'f', -1, 64),
	})
	if err != nil {
		return fmt.Errorf("unable to write csv row %w", err)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("unable to flush csv %w", err)
	}

	return f.Close()
}

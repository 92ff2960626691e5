package snapshot

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/patrikhermansson/recall/core"
)

// ReadCSV reads items from a CSV file of item_id,v0,v1,... rows.
// A first row whose id column is not numeric is treated as a header.
func ReadCSV(path string) ([]core.Item, error) {
	log.Debug().Msgf("Opening CSV file: %s", path)
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer file.Close()

	items, err := DecodeCSV(file)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	log.Info().Msgf("Parsed %d items from %s", len(items), path)
	return items, nil
}

// DecodeCSV decodes item_id,v0,v1,... rows. All rows must have the same
// number of columns.
func DecodeCSV(r io.Reader) ([]core.Item, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	var items []core.Item

	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		if len(record) < 2 {
			return nil, errors.Errorf("line %d: want an id and at least one value, got %d columns", line, len(record))
		}
		id, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, errors.Wrapf(err, "line %d: parse id", line)
		}
		vec := make([]float32, len(record)-1)
		for i, val := range record[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(val), 32)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d: parse col %d", line, i+1)
			}
			vec[i] = float32(v)
		}
		items = append(items, core.Item{ID: id, Vector: vec})
	}
	return items, nil
}

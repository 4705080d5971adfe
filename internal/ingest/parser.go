package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"crowdgate/internal/model"
)

var reKV = regexp.MustCompile(`(?i)([a-z_]+)=("[^"]*"|\S+)`)

// Parser decodes line-oriented observations: JSON, key=value text such as
// `gate=A count=42 gen=7`, or CSV with an optional header row.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine returns nil, nil for blank lines and CSV headers.
func (p *Parser) ParseLine(line string) ([]model.Observation, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		obs, errs, err := ParseObservations([]byte(trim))
		if err != nil {
			return nil, err
		}
		if len(errs) > 0 && len(obs) == 0 {
			return nil, errs[0]
		}
		return obs, nil
	}
	if strings.Contains(trim, "=") {
		obs, err := parsePlain(trim)
		if err != nil {
			return nil, err
		}
		return []model.Observation{obs}, nil
	}
	obs, err := p.csv.Parse(trim)
	if err != nil || obs == nil {
		return nil, err
	}
	return []model.Observation{*obs}, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) (model.Observation, error) {
	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = strings.Trim(match[2], `"`)
	}
	return fromFields(kv)
}

// CSVParser remembers the header of the stream it reads.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*model.Observation, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	fields := map[string]string{}
	if p.header != nil {
		for i, name := range p.header {
			if i >= len(record) {
				break
			}
			fields[name] = strings.TrimSpace(record[i])
		}
	} else {
		positional := []string{"gate_id", "count", "generation"}
		for i, name := range positional {
			if i < len(record) {
				fields[name] = strings.TrimSpace(record[i])
			}
		}
	}
	obs, err := fromFields(fields)
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "gate", "gate_id", "count", "people", "generation", "gen", "error":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

package siem

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

// AttachmentMode selects the finding attachment format.
type AttachmentMode string

const (
	AttachNone     AttachmentMode = ""
	AttachMarkdown AttachmentMode = "markdown"
	AttachJSON     AttachmentMode = "json"
	AttachCSV      AttachmentMode = "csv"
	AttachXLSX     AttachmentMode = "xlsx"
)

// Attachment carries the finding's resource payload. Markdown is inline;
// the other formats are base64-encoded files.
type Attachment struct {
	Mode        AttachmentMode `json:"mode"`
	ContentType string         `json:"content_type"`
	Filename    string         `json:"filename,omitempty"`
	Data        string         `json:"data"`
}

func attach(f *Finding, mode AttachmentMode) error {
	if mode == AttachNone || len(f.Resources) == 0 {
		return nil
	}
	var (
		a   Attachment
		err error
	)
	switch mode {
	case AttachMarkdown:
		a = Attachment{Mode: mode, ContentType: "text/markdown", Data: markdownTable(f.Resources)}
	case AttachJSON:
		a, err = jsonAttachment(f)
	case AttachCSV:
		a, err = csvAttachment(f)
	case AttachXLSX:
		a, err = xlsxAttachment(f)
	default:
		return fmt.Errorf("unknown attachment mode %q", mode)
	}
	if err != nil {
		return err
	}
	f.Attachment = &a
	return nil
}

// columns returns the union of resource keys in stable order.
func columns(resources []map[string]any) []string {
	set := make(map[string]bool)
	for _, r := range resources {
		for k := range r {
			set[k] = true
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cell(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

func markdownTable(resources []map[string]any) string {
	cols := columns(resources)
	var b strings.Builder
	b.WriteString("| " + strings.Join(cols, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(cols)) + "\n")
	for _, r := range resources {
		row := make([]string, len(cols))
		for i, c := range cols {
			row[i] = strings.ReplaceAll(cell(r[c]), "|", "\\|")
		}
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return b.String()
}

func jsonAttachment(f *Finding) (Attachment, error) {
	body, err := json.MarshalIndent(f.Resources, "", "  ")
	if err != nil {
		return Attachment{}, fmt.Errorf("encode json attachment: %w", err)
	}
	return Attachment{
		Mode:        AttachJSON,
		ContentType: "application/json",
		Filename:    f.RuleName + ".json",
		Data:        base64.StdEncoding.EncodeToString(body),
	}, nil
}

func csvAttachment(f *Finding) (Attachment, error) {
	cols := columns(f.Resources)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(cols); err != nil {
		return Attachment{}, err
	}
	for _, r := range f.Resources {
		row := make([]string, len(cols))
		for i, c := range cols {
			row[i] = cell(r[c])
		}
		if err := w.Write(row); err != nil {
			return Attachment{}, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Attachment{}, err
	}
	return Attachment{
		Mode:        AttachCSV,
		ContentType: "text/csv",
		Filename:    f.RuleName + ".csv",
		Data:        base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

func xlsxAttachment(f *Finding) (Attachment, error) {
	file := excelize.NewFile()
	defer file.Close()

	sheet := file.GetSheetName(0)
	cols := columns(f.Resources)
	for i, c := range cols {
		name, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return Attachment{}, err
		}
		if err := file.SetCellValue(sheet, name, c); err != nil {
			return Attachment{}, err
		}
	}
	for rowIdx, r := range f.Resources {
		for colIdx, c := range cols {
			name, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			if err != nil {
				return Attachment{}, err
			}
			if err := file.SetCellValue(sheet, name, cell(r[c])); err != nil {
				return Attachment{}, err
			}
		}
	}

	var buf bytes.Buffer
	if err := file.Write(&buf); err != nil {
		return Attachment{}, fmt.Errorf("write xlsx attachment: %w", err)
	}
	return Attachment{
		Mode:        AttachXLSX,
		ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		Filename:    f.RuleName + ".xlsx",
		Data:        base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

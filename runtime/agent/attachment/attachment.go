// Package attachment loads files supplied with a question and classifies them
// into task attachments: images are kept as bytes for inline embedding,
// spreadsheets and CSV files are flattened to a text table, audio files are
// referenced by path and anything else is read as text.
package attachment

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"goa.design/planact/runtime/agent/task"
)

var (
	// Legacy .xls files are OLE2 compound documents; .xlsx files are zip
	// archives. Either may carry the other's extension.
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	zipMagic = []byte("PK\x03\x04")
)

var audioExtensions = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
}

// Load reads and classifies the file at path.
func Load(path string) (*task.Attachment, error) {
	ext := strings.ToLower(filepath.Ext(path))
	att := &task.Attachment{Name: filepath.Base(path), Path: path}

	if mt, ok := audioExtensions[ext]; ok {
		att.Kind, att.MIMEType = task.AttachmentAudio, mt
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("attachment: %w", err)
		}
		return att, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("attachment: %w", err)
	}

	switch ext {
	case ".xlsx", ".xlsm", ".xls":
		var text string
		switch {
		case bytes.HasPrefix(data, oleMagic):
			text, err = flattenBIFF(path)
			att.MIMEType = "application/vnd.ms-excel"
		case bytes.HasPrefix(data, zipMagic):
			text, err = flattenWorkbook(data)
			att.MIMEType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		default:
			err = errors.New("not an Excel workbook")
		}
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", att.Name, err)
		}
		att.Kind, att.Text = task.AttachmentTabular, text
		return att, nil
	}
	mt := detectMIME(ext, data)
	switch {
	case strings.HasPrefix(mt, "image/"):
		att.Kind, att.MIMEType, att.Data = task.AttachmentImage, mt, data
	case ext == ".csv":
		text, err := flattenCSV(data)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", att.Name, err)
		}
		att.Kind, att.MIMEType, att.Text = task.AttachmentTabular, "text/csv", text
	default:
		att.Kind, att.MIMEType = task.AttachmentText, mt
		att.Text = strings.ToValidUTF8(string(data), "�")
	}
	return att, nil
}

// detectMIME prefers the extension and falls back to content sniffing.
func detectMIME(ext string, data []byte) string {
	if mt := mime.TypeByExtension(ext); mt != "" {
		if base, _, err := mime.ParseMediaType(mt); err == nil {
			return base
		}
	}
	mt := http.DetectContentType(data)
	if base, _, err := mime.ParseMediaType(mt); err == nil {
		return base
	}
	return mt
}

// sheet is one named table of a workbook.
type sheet struct {
	name string
	rows [][]string
}

func flattenWorkbook(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	var sheets []sheet
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return "", fmt.Errorf("sheet %q: %w", name, err)
		}
		sheets = append(sheets, sheet{name: name, rows: rows})
	}
	return renderSheets(sheets), nil
}

// flattenBIFF reads a legacy BIFF8 workbook.
func flattenBIFF(path string) (string, error) {
	wb, err := xls.Open(path, "utf-8")
	if err != nil {
		return "", err
	}
	var sheets []sheet
	for i := range wb.NumSheets() {
		ws := wb.GetSheet(i)
		if ws == nil {
			continue
		}
		var rows [][]string
		for r := 0; r <= int(ws.MaxRow); r++ {
			row := ws.Row(r)
			if row == nil {
				rows = append(rows, nil)
				continue
			}
			cells := make([]string, 0, row.LastCol())
			for c := 0; c < row.LastCol(); c++ {
				cells = append(cells, row.Col(c))
			}
			rows = append(rows, cells)
		}
		sheets = append(sheets, sheet{name: ws.Name, rows: rows})
	}
	if len(sheets) == 0 {
		return "", errors.New("workbook has no sheets")
	}
	return renderSheets(sheets), nil
}

// renderSheets renders each sheet as a table, naming sheets when there are
// several.
func renderSheets(sheets []sheet) string {
	var sb strings.Builder
	for i, sh := range sheets {
		if len(sheets) > 1 {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString("Sheet: " + sh.name + "\n")
		}
		sb.WriteString(Table(sh.rows))
	}
	return sb.String()
}

func flattenCSV(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return "", err
	}
	return Table(rows), nil
}

// Table renders rows as an aligned text table with a leading row index
// column. The first row is the header.
func Table(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', tabwriter.TabIndent)
	for i, r := range rows {
		cells := make([]string, width)
		for j := range cells {
			if j < len(r) {
				cells[j] = strings.ReplaceAll(r[j], "\t", " ")
			}
		}
		idx := ""
		if i > 0 {
			idx = fmt.Sprint(i - 1)
		}
		fmt.Fprintln(w, idx+"\t"+strings.Join(cells, "\t"))
	}
	_ = w.Flush()
	return buf.String()
}

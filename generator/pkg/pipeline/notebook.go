package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

type notebook struct {
	Cells         []cell           `json:"cells"`
	Metadata      notebookMetadata `json:"metadata"`
	NBFormat      int              `json:"nbformat"`
	NBFormatMinor int              `json:"nbformat_minor"`
}

type cell struct {
	CellType       string          `json:"cell_type"`
	Metadata       map[string]any  `json:"metadata"`
	Source         []string        `json:"source"`
	ExecutionCount json.RawMessage `json:"execution_count,omitempty"`
	Outputs        json.RawMessage `json:"outputs,omitempty"`
}

type notebookMetadata struct {
	KernelSpec   kernelSpec   `json:"kernelspec"`
	LanguageInfo languageInfo `json:"language_info"`
}

type kernelSpec struct {
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
	Name        string `json:"name"`
}

type languageInfo struct {
	Name          string `json:"name"`
	FileExtension string `json:"file_extension"`
	Mimetype      string `json:"mimetype"`
}

func markdownCell(text string) cell {
	return cell{CellType: "markdown", Metadata: map[string]any{}, Source: sourceLines(text)}
}

func codeCell(text string) cell {
	return cell{
		CellType:       "code",
		Metadata:       map[string]any{},
		Source:         sourceLines(text),
		ExecutionCount: json.RawMessage("null"),
		Outputs:        json.RawMessage("[]"),
	}
}

// sourceLines splits text the way nbformat stores it: every line but the last keeps its "\n".
func sourceLines(text string) []string {
	lines := strings.SplitAfter(text, "\n")
	if n := len(lines); n > 1 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

// NotebookFileName is the download name of the notebook for domain.
func NotebookFileName(domain string) string {
	return fmt.Sprintf("dlt_pipeline_%s.ipynb", identifier(domain))
}

// Notebook renders codes as an nbformat 4 notebook with one markdown and one code cell per table.
// SQL cells carry the %sql magic so the notebook runs on a Python kernel.
func Notebook(domain string, codes []Code, lang Language) ([]byte, error) {
	cells := []cell{markdownCell(fmt.Sprintf(
		"# Pipeline for %s\n\nStreaming tables over the generated %s data, in %s. Each table gets a bronze table reading the raw files and a silver table with its expectations or change history.",
		domain, domain, strings.ToUpper(string(lang)),
	))}
	if lang == LanguagePython {
		cells = append(cells, codeCell(PythonImports))
	}
	for _, c := range codes {
		cells = append(cells, markdownCell(fmt.Sprintf("## Table: %s (%s)\n\nSource: `%s`", c.Table, c.Type, c.Location)))
		src := c.For(lang)
		if lang == LanguageSQL {
			src = "%sql\n" + src
		}
		cells = append(cells, codeCell(src))
	}

	nb := notebook{
		Cells: cells,
		Metadata: notebookMetadata{
			KernelSpec:   kernelSpec{DisplayName: "Python 3", Language: "python", Name: "python3"},
			LanguageInfo: languageInfo{Name: "python", FileExtension: ".py", Mimetype: "text/x-python"},
		},
		NBFormat:      4,
		NBFormatMinor: 4,
	}
	out, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode notebook: %w", err)
	}
	return out, nil
}

package worker

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/russross/blackfriday/v2"
)

const htmlShell = `<!DOCTYPE html>
<html><head><meta charset="utf-8">
<title>%s</title>
<style>
  body { font-family: sans-serif; max-width: 800px; margin: 40px auto; padding: 0 20px; line-height: 1.6; }
  pre { background: #f4f4f4; padding: 12px; border-radius: 4px; overflow-x: auto; }
  code { font-size: 0.9em; }
  h1,h2,h3 { color: #1a1a1a; }
  blockquote { border-left: 3px solid #ccc; margin-left: 0; padding-left: 16px; color: #555; }
  table { border-collapse: collapse; width: 100%%; margin: 1em 0; }
  th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
  th { background: #f4f4f4; }
</style>
</head><body>%s</body></html>`

// renderPDF converts the pattern tool's markdown output to HTML and pipes it
// through the PDF renderer onto the stable cache path. resultPath is
// slash-separated and relative to the cache dir.
func (w *Worker) renderPDF(ctx context.Context, markdown, resultPath, title string) error {
	body := blackfriday.Run([]byte(markdown),
		blackfriday.WithExtensions(blackfriday.CommonExtensions|blackfriday.Tables|blackfriday.FencedCode))
	page := fmt.Sprintf(htmlShell, html.EscapeString(title), body)

	outPath := filepath.Join(w.cacheDir, filepath.FromSlash(resultPath))
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	timeout := time.Duration(w.pdf.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.pdf.Binary, "--quiet", "--enable-local-file-access", "-", outPath)
	cmd.Stdin = strings.NewReader(page)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%w: %s: %s", ErrSubprocess, w.pdf.Binary, msg)
	}
	return nil
}

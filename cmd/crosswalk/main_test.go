package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"crosswalk"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	code, out, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "coverage")
	assert.Contains(t, out, "COMMON FLAGS")

	code, _, errOut := run(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "USAGE")

	code, _, errOut = run(t, "audit")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: audit")
}

func TestFrameworksCmd(t *testing.T) {
	code, out, _ := run(t, "frameworks", "--format", "json")
	require.Equal(t, 0, code)
	var infos []struct {
		ID       string `json:"id"`
		Controls int    `json:"total_controls"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 3)
	assert.Equal(t, "iso27001", infos[0].ID)
	assert.Equal(t, 14, infos[0].Controls)

	code, out, _ = run(t, "frameworks")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "nist-csf")
}

func TestCoverageCmd(t *testing.T) {
	code, out, _ := run(t, "coverage", "--source", "soc2", "--target", "iso27001")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "coverage: 28.57%")
	assert.Contains(t, out, "A.10.1.1")

	code, out, _ = run(t, "coverage", "--source", "soc2", "--target", "iso27001", "--format", "json")
	require.Equal(t, 0, code)
	var res struct {
		Coverage float64 `json:"coverage"`
		State    string  `json:"state"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.InDelta(t, 28.57, res.Coverage, 0.001)
}

func TestCoverageCmd_Errors(t *testing.T) {
	code, _, errOut := run(t, "coverage", "--source", "soc2", "--target", "pci-dss")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown framework")

	code, _, errOut = run(t, "coverage", "--source", "soc2")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--target is required")

	code, _, _ = run(t, "coverage", "--source", "soc2", "--target", "iso27001", "--format", "xml")
	assert.Equal(t, 2, code)

	code, _, _ = run(t, "coverage", "--bogus")
	assert.Equal(t, 2, code)
}

func TestMatrixAndReportCmds(t *testing.T) {
	code, out, _ := run(t, "matrix", "--frameworks", "soc2,nist-csf")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "20.00%")

	code, out, _ = run(t, "report", "--format", "json")
	require.Equal(t, 0, code)
	var rep struct {
		Mappings struct {
			Total int `json:"total"`
		} `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 11, rep.Mappings.Total)
}

func TestGapsCmd(t *testing.T) {
	code, out, _ := run(t, "gaps", "--target", "iso27001", "--severity", "critical", "--format", "json")
	require.Equal(t, 0, code)
	var res struct {
		Sources []string `json:"source_frameworks"`
		Gaps    []struct {
			Severity string `json:"severity"`
		} `json:"gaps"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, []string{"nist-csf", "soc2"}, res.Sources)
	for _, g := range res.Gaps {
		assert.Equal(t, "critical", g.Severity)
	}

	code, _, _ = run(t, "gaps", "--target", "iso27001", "--severity", "urgent")
	assert.Equal(t, 2, code)
}

func TestSuggestCmd(t *testing.T) {
	code, out, _ := run(t, "suggest", "--source", "soc2", "--control", "CC6.7", "--target", "nist-csf",
		"--threshold", "0.6", "--format", "json")
	require.Equal(t, 0, code)
	var ss []struct {
		Score struct {
			Value float64 `json:"value"`
		} `json:"score"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &ss))
	assert.LessOrEqual(t, len(ss), 5)
	for _, s := range ss {
		assert.GreaterOrEqual(t, s.Score.Value, 0.6)
	}

	code, out, _ = run(t, "suggest", "--source", "soc2", "--target", "iso27001", "--top", "1")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "168 comparisons")

	code, _, _ = run(t, "suggest", "--source", "soc2", "--control", "CC9.9", "--target", "nist-csf")
	assert.Equal(t, 1, code)
	code, _, _ = run(t, "suggest", "--source", "soc2", "--target", "nist-csf", "--threshold", "2")
	assert.Equal(t, 2, code)
}

func TestExportThenStartFromDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	code, _, _ := run(t, "export", "--out", path)
	require.Equal(t, 0, code)

	code, out, _ := run(t, "coverage", "--in", path, "--source", "iso27001", "--target", "soc2")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "coverage: 33.33%")

	code, _, _ = run(t, "coverage", "--in", path, "--db", path, "--source", "soc2", "--target", "iso27001")
	assert.Equal(t, 2, code, "--in and --db are exclusive")
}

func TestImportIntoDatabase(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "state.json")
	db := filepath.Join(dir, "crosswalk.db")
	require.Equal(t, 0, func() int { c, _, _ := run(t, "export", "--out", doc); return c }())

	code, out, _ := run(t, "import", "--file", doc, "--db", db)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "imported 3 frameworks, 3 baselines, 11 mappings")

	code, out, _ = run(t, "coverage", "--db", db, "--source", "soc2", "--target", "iso27001")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "coverage: 28.57%")

	code, _, errOut := run(t, "import", "--file", doc, "--db", db)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "already holds 3 frameworks")

	code, _, _ = run(t, "import", "--file", doc)
	assert.Equal(t, 2, code, "import requires --db")
}

func TestExportToArchive(t *testing.T) {
	t.Setenv("CROSSWALK_ARCHIVE_TYPE", "fs")
	t.Setenv("CROSSWALK_ARCHIVE_DIR", t.TempDir())

	code, out, _ := run(t, "export", "--archive")
	require.Equal(t, 0, code)
	addr := strings.TrimSpace(out)
	require.True(t, strings.HasPrefix(addr, "sha256:"), addr)

	db := filepath.Join(t.TempDir(), "crosswalk.db")
	code, out, _ = run(t, "import", "--address", addr, "--db", db, "--format", "json")
	require.Equal(t, 0, code)
	var restored struct {
		Mappings int `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &restored))
	assert.Equal(t, 11, restored.Mappings)
}

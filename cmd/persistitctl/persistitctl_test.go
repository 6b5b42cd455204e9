package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	volPath := filepath.Join(dir, "data.vol")
	cfgFile := filepath.Join(dir, "persistit.yaml")
	content := "datapath: " + dir + "\n" +
		"volumes:\n" +
		"  - name: main\n" +
		"    path: " + volPath + "\n" +
		"    create: true\n" +
		"    pageSize: 4096\n" +
		"    initialSize: 4096\n" +
		"maxKeysPerPage: 8\n"
	require.NoError(t, os.WriteFile(cfgFile, []byte(content), 0o644))
	return cfgFile
}

func TestRunCheckCleanEngine(t *testing.T) {
	cfgPath = writeTestConfig(t)
	quiet = true
	jsonOut = false
	err := runCheck(nil, nil)
	require.NoError(t, err)
}

func TestRunStatReportsPools(t *testing.T) {
	cfgPath = writeTestConfig(t)
	quiet = true
	jsonOut = false
	err := runStat(nil, nil)
	require.NoError(t, err)
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"strata/pkg/config"
	"strata/pkg/layout"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	okColor     = lipgloss.Color("#50FA7B")
	warnColor   = lipgloss.Color("#FFB86C")
	badColor    = lipgloss.Color("#FF5555")
	borderColor = lipgloss.Color("#44475A")

	fsckHeaderStyle = lipgloss.NewStyle().Bold(true)
	fsckTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(okColor)
)

// dirReport is the offline scan result for one chunk directory.
type dirReport struct {
	path       string
	chunks     int
	bytes      int64
	dirty      int
	malformed  int
	badHeaders int
	duplicates int
	evacuate   bool
	done       bool
	err        error
}

func fsckCmd() *cobra.Command {
	var chunkDirs []string
	var checkHeaders bool

	cmd := &cobra.Command{
		Use:   "fsck",
		Short: "Scan chunk directories offline and report their state",
		Long: `Scans each configured chunk directory without starting the engine:
counts stable chunks, dirty leftovers, malformed names, duplicate chunk
ids, and (with --headers) chunk files whose header fails validation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(chunkDirs)
			if err != nil {
				return err
			}

			seen := make(map[int64]string)
			reports := make([]dirReport, 0, len(cfg.ChunkDirs))
			for _, dir := range cfg.ChunkDirs {
				reports = append(reports, scanDir(cfg, dir, checkHeaders, seen))
			}
			renderReports(reports)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&chunkDirs, "dir", "d", nil, "chunk directory (repeatable)")
	cmd.Flags().BoolVar(&checkHeaders, "headers", false, "read and verify every chunk header")
	return cmd
}

func scanDir(cfg *config.Config, dir string, checkHeaders bool, seen map[int64]string) dirReport {
	r := dirReport{path: dir}
	r.evacuate = fileExists(filepath.Join(dir, cfg.EvacuateFileName))
	r.done = fileExists(filepath.Join(dir, cfg.EvacuateDoneFileName))

	if entries, err := os.ReadDir(filepath.Join(dir, cfg.DirtyChunksDir)); err == nil {
		r.dirty = len(entries)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		r.err = err
		return r
	}

	reserved := map[string]bool{
		cfg.DirLockName:          true,
		cfg.EvacuateFileName:     true,
		cfg.EvacuateDoneFileName: true,
		cfg.DirtyChunksDir:       true,
		cfg.StaleChunksDir:       true,
	}

	for _, entry := range entries {
		name := entry.Name()
		if reserved[name] || entry.IsDir() || name[0] == '.' {
			continue
		}
		_, chunkID, _, perr := layout.ParseChunkFileName(name)
		if perr != nil {
			r.malformed++
			continue
		}
		if prev, dup := seen[int64(chunkID)]; dup {
			fmt.Fprintf(os.Stderr, "duplicate chunk %d: %s and %s/%s\n", chunkID, prev, dir, name)
			r.duplicates++
			continue
		}
		seen[int64(chunkID)] = filepath.Join(dir, name)

		fi, serr := entry.Info()
		if serr != nil {
			continue
		}
		r.chunks++
		if fi.Size() > layout.HeaderSize {
			r.bytes += fi.Size() - layout.HeaderSize
		}

		if checkHeaders {
			if !headerValid(filepath.Join(dir, name), cfg.RequireChunkHeaderChecksum) {
				r.badHeaders++
			}
		}
	}
	return r
}

func headerValid(path string, requireChecksum bool) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, layout.HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return false
	}
	_, err = layout.DecodeHeader(buf, requireChecksum)
	return err == nil
}

func renderReports(reports []dirReport) {
	fmt.Println(fsckTitleStyle.Render("chunk directory scan"))

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return fsckHeaderStyle
			}
			return lipgloss.NewStyle()
		})

	t.Headers("DIRECTORY", "CHUNKS", "BYTES", "DIRTY", "MALFORMED", "BAD HEADERS", "DUPES", "STATE")

	for _, r := range reports {
		state := lipgloss.NewStyle().Foreground(okColor).Render("ok")
		switch {
		case r.err != nil:
			state = lipgloss.NewStyle().Foreground(badColor).Render("unreadable")
		case r.done:
			state = lipgloss.NewStyle().Foreground(badColor).Render("evacuated")
		case r.evacuate:
			state = lipgloss.NewStyle().Foreground(warnColor).Render("evacuating")
		case r.badHeaders > 0 || r.duplicates > 0:
			state = lipgloss.NewStyle().Foreground(warnColor).Render("degraded")
		}

		t.Row(r.path,
			fmt.Sprintf("%d", r.chunks),
			fmt.Sprintf("%d", r.bytes),
			fmt.Sprintf("%d", r.dirty),
			fmt.Sprintf("%d", r.malformed),
			fmt.Sprintf("%d", r.badHeaders),
			fmt.Sprintf("%d", r.duplicates),
			state)
	}

	fmt.Println(t.Render())
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

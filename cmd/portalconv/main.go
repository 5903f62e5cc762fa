// portalconv converts legacy dungeon.sql INSERT statements to portal_list.yaml.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/l1jgo/handoff/internal/data"
	"gopkg.in/yaml.v3"
)

// Maps at or above this id are per-character instances (inns, hotels).
const instancedMapBase = 16384

// INSERT INTO `dungeon` VALUES ('32477', '32851', '0', '32669', '32802', '1', '4', 'note');
var insertRe = regexp.MustCompile(`VALUES\s*\(\s*'(-?\d+)'\s*,\s*'(-?\d+)'\s*,\s*'(-?\d+)'\s*,\s*'(-?\d+)'\s*,\s*'(-?\d+)'\s*,\s*'(-?\d+)'\s*,\s*'(-?\d+)'\s*,\s*'([^']*)'\s*\)`)

type row struct {
	srcX, srcY, srcMap int
	dstMap             int
	note               string
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: portalconv <dungeon.sql> <output.yaml>")
		os.Exit(1)
	}

	in, err := os.Open(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer in.Close()

	portals, err := convert(in)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	out, err := os.Create(os.Args[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer out.Close()

	if err := write(out, portals); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %d portal entries to %s\n", len(portals), os.Args[2])
}

// convert parses dungeon rows and numbers them in (src map, x, y) order so
// ids stay stable across runs over the same dump.
func convert(r io.Reader) ([]data.PortalEntry, error) {
	var rows []row
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 1024*1024)
	scanner.Buffer(buf, len(buf))

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "INSERT INTO") {
			continue
		}
		m := insertRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		srcX, _ := strconv.Atoi(m[1])
		srcY, _ := strconv.Atoi(m[2])
		srcMap, _ := strconv.Atoi(m[3])
		dstMap, _ := strconv.Atoi(m[6])
		rows = append(rows, row{srcX: srcX, srcY: srcY, srcMap: srcMap, dstMap: dstMap, note: m[8]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].srcMap != rows[j].srcMap {
			return rows[i].srcMap < rows[j].srcMap
		}
		if rows[i].srcX != rows[j].srcX {
			return rows[i].srcX < rows[j].srcX
		}
		return rows[i].srcY < rows[j].srcY
	})

	portals := make([]data.PortalEntry, 0, len(rows))
	for i, r := range rows {
		note := fmt.Sprintf("(%d,%d)", r.srcX, r.srcY)
		if r.note != "" {
			note = r.note + " " + note
		}
		portals = append(portals, data.PortalEntry{
			ID:        int32(i + 1),
			SrcMapID:  int32(r.srcMap),
			DstMapID:  int32(r.dstMap),
			Instanced: r.dstMap >= instancedMapBase,
			Note:      note,
		})
	}
	return portals, nil
}

func write(w io.Writer, portals []data.PortalEntry) error {
	fmt.Fprintf(w, "# Portal list, generated from dungeon.sql (%d entries)\n", len(portals))
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(portals); err != nil {
		return fmt.Errorf("encode portals: %w", err)
	}
	return enc.Close()
}

package binprot

import (
	"fmt"
	"strings"

	"github.com/skipor/memcached/cache"
)

// statsLine renders a Snapshot as one "key=value" line, the minimal
// textual form spec.md's EXPANSION resolution #2 calls for in place of the
// original's multi-line STAT/END sequence (this transport has no repeated-
// packet framing for a STAT/.../END sequence, so one line carries all
// counters).
func statsLine(s cache.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "curr_items=%d total_items=%d evictions=%d expired_unfetched=%d "+
		"bytes=%d get_hits=%d get_misses=%d cmd_set=%d cmd_delete=%d "+
		"delete_hits=%d delete_misses=%d incr=%d decr=%d oom=%d",
		s.CurrItems, s.TotalItems, s.Evictions, s.ExpiredUnfetched,
		s.Bytes, s.GetHits, s.GetMisses, s.CmdSet, s.CmdDelete,
		s.DeleteHits, s.DeleteMisses, s.Incr, s.Decr, s.OOM)
	return b.String()
}

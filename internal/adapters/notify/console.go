package notify

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/ordbot/internal/application/engine"
)

// Console imprime el estado del engine en stdout.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// Report imprime el snapshot en el modo configurado.
func (c *Console) Report(s engine.Stats) {
	if c.table {
		c.printFull(s)
		return
	}
	c.printCompact(s)
}

// printCompact imprime lo esencial en 2 líneas.
func (c *Console) printCompact(s engine.Stats) {
	now := time.Now().Format("15:04:05")
	fmt.Fprintf(c.out, "[%s] up %s — placed:%d adjusted:%d cancelled:%d skipped:%d errors:%d purchases:%d\n",
		now, s.Uptime,
		s.Counters.BidsPlaced, s.Counters.BidsAdjusted, s.Counters.BidsCancelled,
		s.Counters.BidsSkipped, s.Counters.Errors, s.Counters.Purchases,
	)
	fmt.Fprintf(c.out, "         queue:%d locks:%d deduped:%d superseded:%d dropped:%d pacer_limited:%v\n",
		s.QueueDepth, s.ActiveLocks,
		s.Counters.Deduped, s.Counters.Superseded, s.Counters.Dropped, s.PacerLimited,
	)
}

// printFull imprime la tabla por colección más el resumen.
func (c *Console) printFull(s engine.Stats) {
	now := time.Now().Format("15:04:05")
	fmt.Fprintf(c.out, "\n[%s] run %s — up %s, %d collections\n", now, s.RunID, s.Uptime, len(s.Collections))

	symbols := make([]string, 0, len(s.Collections))
	for symbol := range s.Collections {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	table := tablewriter.NewWriter(c.out)
	table.Header("Collection", "Our bids", "Top", "Fills")
	for _, symbol := range symbols {
		cs := s.Collections[symbol]
		table.Append(
			symbol,
			fmt.Sprintf("%d", cs.OurBids),
			fmt.Sprintf("%d", cs.TopBids),
			fmt.Sprintf("%d", cs.Quantity),
		)
	}
	table.Render()

	c.printCompact(s)
	if len(s.Identities) > 0 {
		for group, u := range s.Identities {
			fmt.Fprintf(c.out, "         group %s: %d/%d identities available, %d sent in window\n",
				group, u.Available, u.Identities, u.SentInWindow)
		}
	}
}

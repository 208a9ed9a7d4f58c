package storage

// checkpoint.go — snapshots JSON del bid history y de stats de runtime.
// Escritura a fichero temporal + rename atómico: un crash a mitad de
// escritura nunca corrompe el último estado bueno.

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alejandrodnm/ordbot/internal/domain"
)

// historySnapshot es el formato en disco del checkpoint.
type historySnapshot struct {
	SavedAt     time.Time                     `json:"savedAt"`
	Collections map[string]*domain.BidHistory `json:"collections"`
}

// Checkpoint implementa ports.HistoryStore sobre ficheros JSON.
type Checkpoint struct {
	historyPath string
	statsPath   string
	mu          sync.Mutex // un solo writer de ficheros a la vez
}

// NewCheckpoint crea el store apuntando a las rutas dadas.
func NewCheckpoint(historyPath, statsPath string) *Checkpoint {
	return &Checkpoint{historyPath: historyPath, statsPath: statsPath}
}

// SaveHistory reescribe el snapshot completo de bid history.
func (c *Checkpoint) SaveHistory(history map[string]*domain.BidHistory) error {
	snap := historySnapshot{
		SavedAt:     time.Now().UTC(),
		Collections: history,
	}
	return c.writeAtomic(c.historyPath, snap)
}

// LoadQuantities restaura solo el contador de compras por colección.
// Política deliberada: tras un reinicio se retoma la cuenta, no las pujas —
// las ofertas vivas se redescubren vía el ciclo programado.
func (c *Checkpoint) LoadQuantities() (map[string]int, error) {
	b, err := os.ReadFile(c.historyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]int{}, nil
		}
		return nil, fmt.Errorf("storage.LoadQuantities: %w", err)
	}

	var snap historySnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		// Fichero corrupto = estado vacío, nunca un crash.
		slog.Warn("bid-history snapshot corrupted, starting empty", "path", c.historyPath, "err", err)
		return map[string]int{}, nil
	}

	out := make(map[string]int, len(snap.Collections))
	for symbol, h := range snap.Collections {
		if h != nil && h.Quantity > 0 {
			out[symbol] = h.Quantity
		}
	}
	return out, nil
}

// SaveStats reescribe el snapshot de stats de runtime.
func (c *Checkpoint) SaveStats(stats any) error {
	return c.writeAtomic(c.statsPath, stats)
}

// writeAtomic serializa v y lo escribe con tmp + rename.
func (c *Checkpoint) writeAtomic(path string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage.writeAtomic: mkdir: %w", err)
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage.writeAtomic: marshal: %w", err)
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("storage.writeAtomic: write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("storage.writeAtomic: rename: %w", err)
	}
	return nil
}

package binlog

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"
)

// Options describes the source server and where the stream resumes from
type Options struct {
	Host          string
	Port          int
	User          string
	Password      string
	ServerID      uint32
	Flavor        string // mysql, mariadb
	PositionFile  string
	StartPosition uint32
}

// Reader streams binlog events from the source. Positions are persisted by
// SavePosition, which a Checkpointer calls at transaction boundaries.
type Reader struct {
	syncer       *replication.BinlogSyncer
	streamer     *replication.BinlogStreamer
	mu           sync.Mutex
	position     mysql.Position
	positionFile string
	logger       *logrus.Logger
}

// NewReader starts syncing from the saved position, or from
// opts.StartPosition when nothing is saved yet
func NewReader(opts Options, logger *logrus.Logger) (*Reader, error) {
	flavor := opts.Flavor
	if flavor == "" {
		flavor = mysql.MySQLFlavor
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: opts.ServerID,
		Flavor:   flavor,
		Host:     opts.Host,
		Port:     uint16(opts.Port),
		User:     opts.User,
		Password: opts.Password,
	})

	position := mysql.Position{Pos: opts.StartPosition}

	if data, err := os.ReadFile(opts.PositionFile); err == nil && len(data) > 0 {
		position = ParsePosition(string(data), opts.StartPosition)
		logger.Infof("Loaded binlog position from file: %s:%d", position.Name, position.Pos)
	}

	streamer, err := syncer.StartSync(position)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync: %w", err)
	}

	logger.Infof("Started binlog sync from position: %s:%d", position.Name, position.Pos)

	return &Reader{
		syncer:       syncer,
		streamer:     streamer,
		position:     position,
		positionFile: opts.PositionFile,
		logger:       logger,
	}, nil
}

// ParsePosition reads a saved "filename:position" string. A value without a
// usable position is taken as a bare filename starting at startPos.
func ParsePosition(saved string, startPos uint32) mysql.Position {
	saved = strings.TrimSpace(saved)

	// Filenames may contain colons, split on the last one
	if i := strings.LastIndex(saved, ":"); i > 0 && i < len(saved)-1 {
		if pos, err := strconv.ParseUint(saved[i+1:], 10, 32); err == nil {
			return mysql.Position{Name: saved[:i], Pos: uint32(pos)}
		}
	}

	return mysql.Position{Name: saved, Pos: startPos}
}

// FormatPosition renders pos the way ParsePosition reads it
func FormatPosition(pos mysql.Position) string {
	return fmt.Sprintf("%s:%d", pos.Name, pos.Pos)
}

// Position returns the last position saved, or the start position
func (r *Reader) Position() mysql.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

// SavePosition records pos in memory and in the position file
func (r *Reader) SavePosition(name string, pos uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		name = r.position.Name
	}
	if name == "" {
		return nil
	}

	r.position = mysql.Position{Name: name, Pos: pos}

	if r.positionFile == "" {
		return nil
	}
	if err := os.WriteFile(r.positionFile, []byte(FormatPosition(r.position)), 0644); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}

	return nil
}

// ReadEvent blocks until the next event arrives or ctx ends
func (r *Reader) ReadEvent(ctx context.Context) (*replication.BinlogEvent, error) {
	event, err := r.streamer.GetEvent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get binlog event: %w", err)
	}

	return event, nil
}

func (r *Reader) Close() {
	if r.syncer != nil {
		r.syncer.Close()
	}
}

package coordinator

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/forge/internal/cache"
	"github.com/dreamware/forge/internal/protocol"
	"github.com/dreamware/forge/internal/registry"
	"github.com/dreamware/forge/internal/transport"
)

// maxTransferSize bounds one reassembled file.
const maxTransferSize = 1 << 30

// transferTTL drops transfers that stop receiving chunks.
const transferTTL = 5 * time.Minute

var (
	errUnknownTransfer   = errors.New("unknown transfer")
	errDuplicateTransfer = errors.New("transfer already open")
)

// transfer is one in-progress chunked upload.
type transfer struct {
	start   protocol.FileTransferStart
	connID  string
	buf     bytes.Buffer
	hash    hash.Hash
	updated time.Time
}

// transfers reassembles FILE_CHUNK streams per transfer id.
type transfers struct {
	maxSize int64
	now     func() time.Time

	mu sync.Mutex
	m  map[string]*transfer
}

func newTransfers(maxSize int64) *transfers {
	return &transfers{maxSize: maxSize, now: time.Now, m: make(map[string]*transfer)}
}

func (t *transfers) begin(connID string, start protocol.FileTransferStart) error {
	if start.TransferID == "" {
		return errors.New("missing transfer id")
	}
	if start.Size < 0 || start.Size > t.maxSize {
		return fmt.Errorf("transfer size %d outside [0, %d]", start.Size, t.maxSize)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[start.TransferID]; ok {
		return fmt.Errorf("%w: %s", errDuplicateTransfer, start.TransferID)
	}
	tr := &transfer{start: start, connID: connID, hash: sha256.New(), updated: t.now()}
	tr.buf.Grow(int(min(start.Size, 1<<20)))
	t.m[start.TransferID] = tr
	return nil
}

// chunk appends data at offset. Chunks must arrive in order, which the
// transport guarantees per connection.
func (t *transfers) chunk(connID string, c protocol.FileChunk, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.m[c.TransferID]
	if !ok || tr.connID != connID {
		return fmt.Errorf("%w: %s", errUnknownTransfer, c.TransferID)
	}
	if c.Offset != int64(tr.buf.Len()) {
		delete(t.m, c.TransferID)
		return fmt.Errorf("chunk offset %d, expected %d", c.Offset, tr.buf.Len())
	}
	if int64(tr.buf.Len()+len(data)) > tr.start.Size {
		delete(t.m, c.TransferID)
		return fmt.Errorf("transfer exceeds announced size %d", tr.start.Size)
	}
	tr.buf.Write(data)
	tr.hash.Write(data)
	tr.updated = t.now()
	return nil
}

// finish closes a transfer and returns its verified content.
func (t *transfers) finish(connID, id string) (protocol.FileTransferStart, []byte, error) {
	t.mu.Lock()
	tr, ok := t.m[id]
	if ok && tr.connID == connID {
		delete(t.m, id)
	}
	t.mu.Unlock()
	if !ok || tr.connID != connID {
		return protocol.FileTransferStart{}, nil, fmt.Errorf("%w: %s", errUnknownTransfer, id)
	}

	if int64(tr.buf.Len()) != tr.start.Size {
		return tr.start, nil, fmt.Errorf("received %d of %d bytes", tr.buf.Len(), tr.start.Size)
	}
	if sum := hex.EncodeToString(tr.hash.Sum(nil)); tr.start.SHA256 != "" && sum != tr.start.SHA256 {
		return tr.start, nil, fmt.Errorf("sha256 mismatch: got %s, announced %s", sum, tr.start.SHA256)
	}
	return tr.start, tr.buf.Bytes(), nil
}

func (t *transfers) dropConn(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tr := range t.m {
		if tr.connID == connID {
			delete(t.m, id)
		}
	}
}

// expire drops transfers idle for longer than ttl and returns how many.
func (t *transfers) expire(ttl time.Duration) int {
	cutoff := t.now().Add(-ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, tr := range t.m {
		if tr.updated.Before(cutoff) {
			delete(t.m, id)
			n++
		}
	}
	return n
}

func (t *transfers) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (c *Coordinator) handleTransferStart(conn *transport.Conn, msg *protocol.Message) {
	var start protocol.FileTransferStart
	if err := msg.Decode(&start); err != nil {
		c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeProtocol, err.Error()))
		return
	}
	if err := c.transfers.begin(conn.ID(), start); err != nil {
		c.respond(conn, msg, protocol.MsgFileTransferAck, protocol.FileTransferAck{TransferID: start.TransferID, Error: err.Error()})
		return
	}
	c.logger.Debug("file transfer started",
		zap.String("transfer_id", start.TransferID),
		zap.String("name", start.Name),
		zap.Int64("size", start.Size))
}

func (c *Coordinator) handleFileChunk(conn *transport.Conn, msg *protocol.Message) {
	var ch protocol.FileChunk
	if err := msg.Decode(&ch); err != nil {
		c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeProtocol, err.Error()))
		return
	}
	if err := c.transfers.chunk(conn.ID(), ch, msg.Binary); err != nil {
		c.logger.Warn("file chunk rejected", zap.String("transfer_id", ch.TransferID), zap.Error(err))
		c.respond(conn, msg, protocol.MsgFileTransferAck, protocol.FileTransferAck{TransferID: ch.TransferID, Error: err.Error()})
	}
}

func (c *Coordinator) handleTransferEnd(conn *transport.Conn, w *registry.Worker, msg *protocol.Message) {
	var end protocol.FileTransferEnd
	if err := msg.Decode(&end); err != nil {
		c.reply(conn, protocol.NewErrorMessage(msg, c.id, protocol.ErrCodeProtocol, err.Error()))
		return
	}
	ack := protocol.FileTransferAck{TransferID: end.TransferID}

	start, data, err := c.transfers.finish(conn.ID(), end.TransferID)
	if err == nil {
		key := start.CacheKey
		if key == "" {
			key = start.SHA256
		}
		typ := start.Type
		if typ == "" {
			typ = string(cache.TypeFromPath(start.Name))
		}
		err = c.storeArtifact(protocol.ArtifactMeta{
			CacheKey: key,
			Type:     typ,
			Size:     start.Size,
			BuildID:  start.BuildID,
		}, data, w.Hostname)
	}
	if err != nil {
		ack.Error = err.Error()
		c.logger.Warn("file transfer failed",
			zap.String("transfer_id", end.TransferID),
			zap.String("worker_id", w.ID),
			zap.Error(err))
	} else {
		ack.OK = true
	}
	c.respond(conn, msg, protocol.MsgFileTransferAck, ack)
}

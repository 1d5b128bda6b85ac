package memory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
)

// encodeBatch serializes a batch for the write-ahead log.
func encodeBatch(batch objectstore.Batch) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(batch.Writes)))
	for _, w := range batch.Writes {
		_ = binary.Write(buf, binary.LittleEndian, uint64(w.ID))
		tomb := byte(0)
		if w.Tombstone {
			tomb = 1
		}
		buf.WriteByte(tomb)
		writeBytes(buf, w.Data)
	}
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(batch.Names)))
	for _, n := range batch.Names {
		writeBytes(buf, []byte(n.Name))
		_ = binary.Write(buf, binary.LittleEndian, uint64(n.ID))
	}
	return buf.Bytes()
}

func decodeBatch(data []byte) (objectstore.Batch, error) {
	r := bytes.NewReader(data)
	var batch objectstore.Batch

	var nWrites uint32
	if err := binary.Read(r, binary.LittleEndian, &nWrites); err != nil {
		return batch, fmt.Errorf("decode write count: %w", err)
	}
	for i := uint32(0); i < nWrites; i++ {
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return batch, fmt.Errorf("decode write id: %w", err)
		}
		tomb, err := r.ReadByte()
		if err != nil {
			return batch, fmt.Errorf("decode tombstone flag: %w", err)
		}
		payload, err := readBytes(r)
		if err != nil {
			return batch, fmt.Errorf("decode write data: %w", err)
		}
		w := objectstore.Write{ID: objectstore.ObjectID(id), Tombstone: tomb == 1}
		if !w.Tombstone {
			w.Data = payload
		}
		batch.Writes = append(batch.Writes, w)
	}

	var nNames uint32
	if err := binary.Read(r, binary.LittleEndian, &nNames); err != nil {
		return batch, fmt.Errorf("decode name count: %w", err)
	}
	for i := uint32(0); i < nNames; i++ {
		name, err := readBytes(r)
		if err != nil {
			return batch, fmt.Errorf("decode name: %w", err)
		}
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return batch, fmt.Errorf("decode name id: %w", err)
		}
		batch.Names = append(batch.Names, objectstore.NameBinding{Name: string(name), ID: objectstore.ObjectID(id)})
	}
	return batch, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

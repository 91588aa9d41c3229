package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/JoeShih716/go-bank-ledger/pkg/logger"
)

// rw-r--r-- (擁有者讀寫，其他人唯讀)
const FileModeReadOnly fs.FileMode = 0644

// MaxFrameSize 單筆 frame 上限，超過視為損毀
const MaxFrameSize = 16 << 20

// frame 格式: varint(len) | payload | fixed32(crc32(payload))
const checksumSize = 4

type WAL struct {
	file *os.File
	mu   sync.Mutex
	// size 目前已確認寫入 (fsync 成功) 的檔案大小
	size int64
}

// NewWAL 開啟或建立一個 WAL 檔案
// O_RDWR讀寫模式
// O_APPEND 每次寫入時自動跳到文件末尾
// O_CREATE 如果文件不存在則建立
func NewWAL(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, FileModeReadOnly)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &WAL{file: file, size: info.Size()}, nil
}

// Write 寫入一筆資料並刷入硬碟
// 寫入或 fsync 失敗時會把檔案截斷回寫入前的大小，不留下半筆資料
func (w *WAL) Write(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("wal: frame too large (%d bytes)", len(payload))
	}
	frame := make([]byte, 0, protowire.SizeBytes(len(payload))+checksumSize)
	frame = protowire.AppendBytes(frame, payload)
	frame = protowire.AppendFixed32(frame, crc32.ChecksumIEEE(payload))

	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.file.Write(frame)
	if err == nil {
		err = w.file.Sync()
	}
	if err != nil {
		if truncErr := w.file.Truncate(w.size); truncErr != nil {
			return errors.Join(err, truncErr)
		}
		return err
	}
	w.size += int64(len(frame))
	return nil
}

// Sync 強制刷入硬碟
func (w *WAL) Sync() error {
	return w.file.Sync()
}

// Close 關閉檔案
func (w *WAL) Close() error {
	return w.file.Close()
}

// ReadAll 從頭依序讀取所有資料
// callback 每次收到一筆 payload，這樣可以避免一次將所有資料載入記憶體
// 檔尾若有寫到一半 (crash) 或 checksum 不符的 frame，會截斷並停止讀取
func (w *WAL) ReadAll(callback func(payload []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// 確保從頭讀取
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(w.file)
	var offset int64
	for {
		payload, n, err := readFrame(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Warn("wal: torn tail detected, truncating", logger.Fields{
				"path":   w.file.Name(),
				"offset": offset,
				"reason": err.Error(),
			})
			if err := w.file.Truncate(offset); err != nil {
				return fmt.Errorf("wal: truncate torn tail: %w", err)
			}
			break
		}
		if err := callback(payload); err != nil {
			return err
		}
		offset += n
	}
	w.size = offset
	return nil
}

var errCorruptFrame = errors.New("corrupt frame")

// readFrame 讀取一個 frame，回傳 payload 與 frame 長度
// 乾淨的檔尾回傳 io.EOF，其他錯誤都代表 frame 不完整或損毀
func readFrame(reader *bufio.Reader) ([]byte, int64, error) {
	length, err := binary.ReadUvarint(reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("%w: length: %v", errCorruptFrame, err)
	}
	if length > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: length %d", errCorruptFrame, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, 0, fmt.Errorf("%w: payload: %v", errCorruptFrame, err)
	}
	var sum [checksumSize]byte
	if _, err := io.ReadFull(reader, sum[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: checksum: %v", errCorruptFrame, err)
	}
	want, _ := protowire.ConsumeFixed32(sum[:])
	if crc32.ChecksumIEEE(payload) != want {
		return nil, 0, fmt.Errorf("%w: checksum mismatch", errCorruptFrame)
	}
	return payload, int64(protowire.SizeBytes(int(length)) + checksumSize), nil
}

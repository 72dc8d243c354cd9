package cache

import (
	"os"

	"github.com/klauspost/compress/zstd"
)

func readFileTail(path string, drop int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if drop > len(data) {
		drop = len(data)
	}
	return data[:len(data)-drop], nil
}

func writeFileRaw(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func compressFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, enc.EncodeAll(data, nil), 0o644)
}

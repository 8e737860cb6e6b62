package credstore

import (
	"errors"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"dayboard/internal/config"
	appLog "dayboard/internal/log"
	"dayboard/internal/model"
)

// FileStore keeps the session in a 0600 YAML file that is replaced
// atomically on every save.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load() (*model.Session, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	fields := map[string]string{}
	if err := yaml.Unmarshal(data, &fields); err != nil {
		appLog.Warn("credstore: unreadable session file ignored", "path", f.path, "err", err)
		return nil, nil
	}
	return decode("file", fields), nil
}

func (f *FileStore) Save(s model.Session) error {
	data, err := yaml.Marshal(encode(s))
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(f.path, data)
}

func (f *FileStore) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

package credentials

import (
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/extremofile"
)

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Store keeps credentials document crash safe under root/tag.
type Store struct {
	sync.Mutex
	log     *log2.Log
	tag     string
	storage storage
}

func NewStore(root, tag string, log *log2.Log) (*Store, error) {
	if root == "" {
		return nil, errors.NotValidf("credentials store root=empty")
	}
	if tag == "" {
		tag = "credentials"
	}
	return &Store{
		log: log,
		tag: tag,
		storage: extremofile.New(extremofile.Config{
			Dir:      filepath.Join(root, tag),
			DirPerm:  0700,
			FilePerm: 0600,
		}),
	}, nil
}

// Load returns nil, nil when nothing was stored yet.
func (s *Store) Load() (*Document, error) {
	s.Lock()
	defer s.Unlock()
	tbegin := time.Now()
	b, err := s.storage.Read()
	s.log.Debugf("credentials %s read duration=%v", s.tag, time.Since(tbegin))
	if b == nil {
		return nil, errors.Annotatef(err, "credentials %s load", s.tag)
	}
	if err != nil {
		s.log.Errorf("credentials %s ignore non-critical storage err=%v", s.tag, err)
	}
	d, err := Parse(b)
	return d, errors.Annotatef(err, "credentials %s load", s.tag)
}

func (s *Store) Save(d *Document) error {
	if err := d.Validate(); err != nil {
		return err
	}
	b, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	tbegin := time.Now()
	_, err = s.storage.Write(b)
	s.log.Debugf("credentials %s write duration=%v", s.tag, time.Since(tbegin))
	return errors.Annotatef(err, "credentials %s save", s.tag)
}

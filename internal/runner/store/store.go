// Package store is the Runner's local ephemeral state: which containers and
// VM instances it believes it is managing, used only to reconcile against
// the container runtime and QEMU pidfiles on startup (§4.4/§4.5 Recovery).
// It is not durable in the Host's sense — losing this file only costs a
// slower recovery pass, never correctness, since the Host's Postgres rows
// remain the source of truth for task status.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketContainers = []byte("containers")
	bucketVMs        = []byte("vm_instances")
)

// ContainerRecord is what the Runner remembers about one task-backed
// container between restarts.
type ContainerRecord struct {
	TaskID        int64  `json:"task_id"`
	ContainerName string `json:"container_name"`
	ContainerID   string `json:"container_id"`
	IsVPS         bool   `json:"is_vps"`
	EnvName       string `json:"env_name,omitempty"` // snapshot namespace, set at Create time (see vps.envName)
	SSHPort       int    `json:"ssh_port,omitempty"`
	OverlayIP     string `json:"overlay_ip,omitempty"`
}

// VMRecord is what the Runner remembers about one QEMU-backed VM instance
// between restarts.
type VMRecord struct {
	TaskID     int64  `json:"task_id"`
	VMName     string `json:"vm_name"`
	DiskPath   string `json:"disk_path"`
	PidFile    string `json:"pid_file"`
	QMPSocket  string `json:"qmp_socket"`
	TapName    string `json:"tap_name"`
	MACAddress string `json:"mac_address"`
	OverlayIP  string `json:"overlay_ip,omitempty"`
	SSHPort    int    `json:"ssh_port,omitempty"`
}

// Store wraps a bbolt database holding the Runner's recovery state.
type Store struct {
	db *bolt.DB
}

// Open creates (if needed) and opens the bbolt file at path, ensuring both
// buckets exist.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open runner store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketContainers, bucketVMs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

func (s *Store) Close() error { return s.db.Close() }

func containerKey(taskID int64) []byte { return []byte(fmt.Sprintf("%d", taskID)) }

// PutContainer upserts a container recovery record.
func (s *Store) PutContainer(rec ContainerRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketContainers).Put(containerKey(rec.TaskID), data)
	})
}

// GetContainer returns the record for taskID, or (nil, nil) if absent.
func (s *Store) GetContainer(taskID int64) (*ContainerRecord, error) {
	var rec *ContainerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContainers).Get(containerKey(taskID))
		if data == nil {
			return nil
		}
		var r ContainerRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

// ListContainers returns every tracked container record.
func (s *Store) ListContainers() ([]ContainerRecord, error) {
	var out []ContainerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(_, v []byte) error {
			var r ContainerRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// DeleteContainer removes a container record, e.g. after the Runner has
// stopped and removed its backing container.
func (s *Store) DeleteContainer(taskID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).Delete(containerKey(taskID))
	})
}

// PutVM upserts a VM instance recovery record.
func (s *Store) PutVM(rec VMRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVMs).Put(containerKey(rec.TaskID), data)
	})
}

// GetVM returns the record for taskID, or (nil, nil) if absent.
func (s *Store) GetVM(taskID int64) (*VMRecord, error) {
	var rec *VMRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVMs).Get(containerKey(taskID))
		if data == nil {
			return nil
		}
		var r VMRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

// ListVMs returns every tracked VM instance record.
func (s *Store) ListVMs() ([]VMRecord, error) {
	var out []VMRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).ForEach(func(_, v []byte) error {
			var r VMRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// DeleteVM removes a VM instance record.
func (s *Store) DeleteVM(taskID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).Delete(containerKey(taskID))
	})
}

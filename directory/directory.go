// Package directory persists the bouncer's configuration as a tree of
// named nodes with ordered, JSON-encoded attributes, backed by SQLite.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	sbnc "github.com/gunnarbeutner/sbncng"
)

type nodeRecord struct {
	ID       uint   `gorm:"primaryKey"`
	ParentID *uint  `gorm:"index;uniqueIndex:idx_nodes_parent_name"`
	Name     string `gorm:"size:128;not null;uniqueIndex:idx_nodes_parent_name"`
}

func (nodeRecord) TableName() string { return "nodes" }

type attributeRecord struct {
	ID     uint   `gorm:"primaryKey"`
	NodeID uint   `gorm:"index;not null;uniqueIndex:idx_attributes_node_key"`
	Key    string `gorm:"size:128;not null;uniqueIndex:idx_attributes_node_key"`
	Value  *string
}

func (attributeRecord) TableName() string { return "attributes" }

// Service owns the database connection and the root node of the
// configuration tree. All database access is serialized; sessions on
// multiple goroutines read and write config attributes concurrently.
type Service struct {
	mu   sync.Mutex
	db   *gorm.DB
	root *Node
}

// Open opens (creating if necessary) the directory database at the
// given SQLite DSN and ensures the root node exists.
func Open(dsn string) (*Service, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open directory database: %v", err)
	}

	if err := db.AutoMigrate(&nodeRecord{}, &attributeRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate directory schema: %v", err)
	}

	s := &Service{db: db}

	var rec nodeRecord
	err = db.Where("parent_id IS NULL AND name = ?", "root").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = nodeRecord{Name: "root"}
		err = db.Create(&rec).Error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load root node: %v", err)
	}

	s.root = &Node{svc: s, id: rec.ID, name: rec.Name}

	return s, nil
}

// Root returns the root configuration node.
func (s *Service) Root() *Node {
	return s.root
}

func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Node is one node in the directory tree.
type Node struct {
	svc  *Service
	id   uint
	name string
}

var _ sbnc.ConfigNode = (*Node)(nil)

func (n *Node) Name() string {
	return n.name
}

// Child returns the named child node, creating it on first access.
func (n *Node) Child(name string) sbnc.ConfigNode {
	n.svc.mu.Lock()
	defer n.svc.mu.Unlock()

	var rec nodeRecord
	err := n.svc.db.Where("parent_id = ? AND name = ?", n.id, name).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = nodeRecord{ParentID: &n.id, Name: name}
		err = n.svc.db.Create(&rec).Error
	}
	if err != nil {
		// A broken child is unusable but keeps callers free of error
		// plumbing on every config access; writes to it will fail.
		return &Node{svc: n.svc, name: name}
	}

	return &Node{svc: n.svc, id: rec.ID, name: rec.Name}
}

func (n *Node) Children() []sbnc.ConfigNode {
	n.svc.mu.Lock()
	defer n.svc.mu.Unlock()

	var recs []nodeRecord
	if err := n.svc.db.Where("parent_id = ?", n.id).Order("id").Find(&recs).Error; err != nil {
		return nil
	}

	children := make([]sbnc.ConfigNode, 0, len(recs))
	for _, rec := range recs {
		children = append(children, &Node{svc: n.svc, id: rec.ID, name: rec.Name})
	}
	return children
}

// RemoveChild deletes the named child and everything below it.
func (n *Node) RemoveChild(name string) error {
	n.svc.mu.Lock()
	defer n.svc.mu.Unlock()

	var rec nodeRecord
	err := n.svc.db.Where("parent_id = ? AND name = ?", n.id, name).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	return n.svc.removeSubtree(rec.ID)
}

// removeSubtree is called with the service lock held.
func (s *Service) removeSubtree(id uint) error {
	var children []nodeRecord
	if err := s.db.Where("parent_id = ?", id).Find(&children).Error; err != nil {
		return err
	}
	for _, child := range children {
		if err := s.removeSubtree(child.ID); err != nil {
			return err
		}
	}

	if err := s.db.Where("node_id = ?", id).Delete(&attributeRecord{}).Error; err != nil {
		return err
	}
	return s.db.Delete(&nodeRecord{}, id).Error
}

func (n *Node) Get(key string) (interface{}, bool) {
	n.svc.mu.Lock()
	defer n.svc.mu.Unlock()

	var rec attributeRecord
	if err := n.svc.db.Where("node_id = ? AND key = ?", n.id, key).First(&rec).Error; err != nil {
		return nil, false
	}

	if rec.Value == nil {
		return nil, true
	}

	var value interface{}
	if err := json.Unmarshal([]byte(*rec.Value), &value); err != nil {
		return nil, false
	}
	return value, true
}

// GetDefault reads an attribute, writing and returning the default
// when the attribute does not exist yet.
func (n *Node) GetDefault(key string, def interface{}) interface{} {
	if value, ok := n.Get(key); ok {
		return value
	}
	if err := n.Set(key, def); err != nil {
		return def
	}
	return def
}

func (n *Node) Set(key string, value interface{}) error {
	if n.id == 0 {
		return fmt.Errorf("cannot set attribute %q on a detached node", key)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode attribute %q: %v", key, err)
	}
	encoded := string(data)

	n.svc.mu.Lock()
	defer n.svc.mu.Unlock()

	var rec attributeRecord
	err = n.svc.db.Where("node_id = ? AND key = ?", n.id, key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = attributeRecord{NodeID: n.id, Key: key, Value: &encoded}
		return n.svc.db.Create(&rec).Error
	}
	if err != nil {
		return err
	}

	rec.Value = &encoded
	return n.svc.db.Save(&rec).Error
}

func (n *Node) Unset(key string) error {
	n.svc.mu.Lock()
	defer n.svc.mu.Unlock()

	return n.svc.db.Where("node_id = ? AND key = ?", n.id, key).Delete(&attributeRecord{}).Error
}

// Attrs lists the node's attributes in insertion order.
func (n *Node) Attrs() []sbnc.ConfigAttr {
	n.svc.mu.Lock()
	defer n.svc.mu.Unlock()

	var recs []attributeRecord
	if err := n.svc.db.Where("node_id = ?", n.id).Order("id").Find(&recs).Error; err != nil {
		return nil
	}

	attrs := make([]sbnc.ConfigAttr, 0, len(recs))
	for _, rec := range recs {
		var value interface{}
		if rec.Value != nil {
			if err := json.Unmarshal([]byte(*rec.Value), &value); err != nil {
				continue
			}
		}
		attrs = append(attrs, sbnc.ConfigAttr{Key: rec.Key, Value: value})
	}
	return attrs
}

// Append stores the value under a freshly generated key and returns
// that key.
func (n *Node) Append(value interface{}) (string, error) {
	key := uuid.NewString()
	if err := n.Set(key, value); err != nil {
		return "", err
	}
	return key, nil
}

// Clear removes every attribute of the node.
func (n *Node) Clear() error {
	n.svc.mu.Lock()
	defer n.svc.mu.Unlock()

	return n.svc.db.Where("node_id = ?", n.id).Delete(&attributeRecord{}).Error
}

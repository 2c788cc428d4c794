package store

import (
	"fmt"
	"sort"

	"github.com/mmdatafocus/garage_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Guard lists the column values a row must still hold for a guarded write to
// apply. A nil value (or nil pointer) means the column must be NULL.
type Guard map[string]interface{}

func (g Guard) scope(q *gorm.DB) *gorm.DB {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q = q.Where(clause.Eq{Column: clause.Column{Name: k}, Value: g[k]})
	}
	return q
}

type opKind int

const (
	opCreate opKind = iota
	opUpdate
	opDelete
	opDeleteWhere
	opCheck
)

type batchOp struct {
	kind   opKind
	table  string
	value  interface{}
	id     interface{}
	guard  Guard
	fields map[string]interface{}
	query  string
	args   []interface{}
	check  func(tx *gorm.DB) error
}

// Batch is an ordered list of writes committed all together or not at all.
type Batch struct {
	ops    []batchOp
	topics []string
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Create(value interface{}) *Batch {
	b.ops = append(b.ops, batchOp{kind: opCreate, value: value})
	return b
}

// CreateIn inserts value into table instead of the model's own table.
func (b *Batch) CreateIn(table string, value interface{}) *Batch {
	b.ops = append(b.ops, batchOp{kind: opCreate, table: table, value: value})
	return b
}

// Update writes fields to the row with id. When the row does not match guard
// the whole batch fails with a state conflict.
func (b *Batch) Update(model interface{}, id interface{}, guard Guard, fields map[string]interface{}) *Batch {
	b.ops = append(b.ops, batchOp{kind: opUpdate, value: model, id: id, guard: guard, fields: fields})
	return b
}

func (b *Batch) UpdateIn(table string, model interface{}, id interface{}, guard Guard, fields map[string]interface{}) *Batch {
	b.ops = append(b.ops, batchOp{kind: opUpdate, table: table, value: model, id: id, guard: guard, fields: fields})
	return b
}

// Delete removes the row with id; a missing or changed row is a state conflict.
func (b *Batch) Delete(model interface{}, id interface{}, guard Guard) *Batch {
	b.ops = append(b.ops, batchOp{kind: opDelete, value: model, id: id, guard: guard})
	return b
}

// DeleteWhere removes any number of rows, including none.
func (b *Batch) DeleteWhere(table string, model interface{}, query string, args ...interface{}) *Batch {
	b.ops = append(b.ops, batchOp{kind: opDeleteWhere, table: table, value: model, query: query, args: args})
	return b
}

// Check runs fn inside the transaction at this point of the batch. Returning
// an error aborts the batch.
func (b *Batch) Check(fn func(tx *gorm.DB) error) *Batch {
	b.ops = append(b.ops, batchOp{kind: opCheck, check: fn})
	return b
}

// Notify queues topics to publish once the batch has committed.
func (b *Batch) Notify(topics ...string) *Batch {
	for _, t := range topics {
		seen := false
		for _, existing := range b.topics {
			if existing == t {
				seen = true
				break
			}
		}
		if !seen {
			b.topics = append(b.topics, t)
		}
	}
	return b
}

func (b *Batch) Len() int {
	return len(b.ops)
}

func (b *Batch) Topics() []string {
	return append([]string(nil), b.topics...)
}

func (op batchOp) on(tx *gorm.DB) *gorm.DB {
	if op.table != "" {
		return tx.Table(op.table)
	}
	return tx
}

func (op batchOp) apply(tx *gorm.DB, index int) error {
	switch op.kind {
	case opCreate:
		return op.on(tx).Create(op.value).Error

	case opUpdate:
		q := op.on(tx).Model(op.value).Where(clause.Eq{Column: clause.Column{Name: "id"}, Value: op.id})
		res := op.guard.scope(q).Updates(op.fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.StateConflict("record %v changed since it was read", op.id)
		}
		return nil

	case opDelete:
		q := op.on(tx).Where(clause.Eq{Column: clause.Column{Name: "id"}, Value: op.id})
		res := op.guard.scope(q).Delete(op.value)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.StateConflict("record %v changed since it was read", op.id)
		}
		return nil

	case opDeleteWhere:
		return op.on(tx).Where(op.query, op.args...).Delete(op.value).Error

	case opCheck:
		return op.check(tx)
	}
	return fmt.Errorf("batch op %d: unknown kind %d", index, op.kind)
}

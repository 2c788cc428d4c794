package config

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/mmdatafocus/garage_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

var ErrCrossTenantWrite = errors.New("row belongs to another business")

// TenantGuardPlugin scopes reads, updates and deletes on tables with a
// business_id column to the business carried by the statement's context, and
// rejects inserts of rows stamped with another business.
//
// Raw SQL is not rewritten; report queries filter business_id themselves.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Query().Before("gorm:query").Register("tenant_guard:query", scopeToTenant); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("tenant_guard:row", scopeToTenant); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("tenant_guard:update", scopeToTenant); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("tenant_guard:delete", scopeToTenant); err != nil {
		return err
	}
	return cb.Create().Before("gorm:create").Register("tenant_guard:create", rejectForeignRows)
}

// tenantField returns the business_id field and the scoped business, or false
// when the statement is not tenant scoped.
func tenantField(db *gorm.DB) (*schema.Field, string, bool) {
	if db == nil || db.Statement == nil || db.Statement.Schema == nil {
		return nil, "", false
	}
	ctx := db.Statement.Context
	if utils.GetSkipTenantScopeFromContext(ctx) {
		return nil, "", false
	}
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	if businessId == "" {
		return nil, "", false
	}
	field := db.Statement.Schema.LookUpField("business_id")
	if field == nil {
		return nil, "", false
	}
	return field, businessId, true
}

func scopeToTenant(db *gorm.DB) {
	_, businessId, ok := tenantField(db)
	if !ok {
		return
	}
	if where, ok := db.Statement.Clauses["WHERE"].Expression.(clause.Where); ok && filtersBusinessId(where.Exprs) {
		return
	}
	db.Statement.AddClause(clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: clause.Column{Table: db.Statement.Table, Name: "business_id"}, Value: businessId},
	}})
}

func rejectForeignRows(db *gorm.DB) {
	field, businessId, ok := tenantField(db)
	if !ok {
		return
	}
	ctx := db.Statement.Context
	check := func(rv reflect.Value) {
		if v, zero := field.ValueOf(ctx, rv); !zero && v != businessId {
			_ = db.AddError(ErrCrossTenantWrite)
		}
	}
	switch rv := db.Statement.ReflectValue; rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			check(reflect.Indirect(rv.Index(i)))
		}
	case reflect.Struct:
		check(rv)
	}
}

func filtersBusinessId(exprs []clause.Expression) bool {
	for _, e := range exprs {
		switch v := e.(type) {
		case clause.Eq:
			if isBusinessIdColumn(v.Column) {
				return true
			}
		case clause.IN:
			if isBusinessIdColumn(v.Column) {
				return true
			}
		case clause.AndConditions:
			if filtersBusinessId(v.Exprs) {
				return true
			}
		case clause.Expr:
			if strings.Contains(strings.ToLower(v.SQL), "business_id") {
				return true
			}
		case clause.NamedExpr:
			if strings.Contains(strings.ToLower(v.SQL), "business_id") {
				return true
			}
		}
	}
	return false
}

func isBusinessIdColumn(col interface{}) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "business_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "business_id")
	}
	return false
}

// WithoutTenantScope marks ctx for statements that must see every business.
func WithoutTenantScope(ctx context.Context) context.Context {
	return utils.SetSkipTenantScopeInContext(ctx, true)
}

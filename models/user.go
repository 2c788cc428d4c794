package models

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/utils"
	"gorm.io/gorm"
)

// User is a staff member: owners and managers at the desk, technicians in a department.
type User struct {
	ID         string     `gorm:"primary_key;size:36" json:"id"`
	BusinessId string     `gorm:"size:64;not null;index" json:"business_id"`
	Username   string     `gorm:"size:100;not null;unique" json:"username"`
	Password   string     `gorm:"size:255;not null" json:"-"`
	Name       string     `gorm:"size:100;not null" json:"name"`
	Department Department `gorm:"size:30;index" json:"department"`
	Role       UserRole   `gorm:"size:1;not null" json:"role"`
	IsActive   bool       `gorm:"not null" json:"is_active"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	Username   string     `json:"username" binding:"required"`
	Password   string     `json:"password"`
	Name       string     `json:"name" binding:"required"`
	Department Department `json:"department"`
	Role       UserRole   `json:"role" binding:"required"`
	IsActive   bool       `json:"is_active"`
}

func (input *NewUser) Validate() error {
	input.Username = strings.ToLower(strings.TrimSpace(input.Username))
	if input.Username == "" {
		return errors.New("username is required")
	}
	if !input.Role.IsValid() {
		return errors.New("invalid user role")
	}
	if input.Role == UserRoleTechnician && !input.Department.IsValid() {
		return errors.New("technicians need a department")
	}
	if input.Department != "" && !input.Department.IsValid() {
		return errors.New("invalid department")
	}
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

type LoginInfo struct {
	Token      string     `json:"token"`
	UserId     string     `json:"user_id"`
	Name       string     `json:"name"`
	Role       UserRole   `json:"role"`
	Department Department `json:"department"`
	BusinessId string     `json:"business_id"`
}

/*
caches:
	User:$username
*/

func (user User) RemoveInstanceRedis(ctx context.Context) error {
	return config.RemoveRedisKey(ctx, "User:"+user.Username)
}

// GetUserByUsername resolves a session's username, cache first.
func GetUserByUsername(ctx context.Context, db *gorm.DB, username string) (*User, error) {
	var user User
	exists, err := config.GetRedisObject(ctx, "User:"+username, &user)
	if err != nil {
		return nil, err
	}
	if exists {
		return &user, nil
	}
	if err := db.WithContext(ctx).Where("username = ?", username).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if err := config.SetRedisObject(ctx, "User:"+username, &user, 10*time.Minute); err != nil {
		config.LogError(config.GetLogger(), "User", "GetUserByUsername", "cache user", username, err)
	}
	return &user, nil
}

func GetUser(ctx context.Context, db *gorm.DB, id string) (*User, error) {
	var user User
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFound("worker %s not found", id)
		}
		return nil, err
	}
	return &user, nil
}

// GetDepartmentWorkers lists the active staff of a department, for assignment pickers.
func GetDepartmentWorkers(ctx context.Context, db *gorm.DB, department Department) ([]*User, error) {
	var users []*User
	err := db.WithContext(ctx).
		Where("department = ? AND is_active = ?", department, true).
		Order("name").
		Find(&users).Error
	return users, err
}

// SaveUser creates the user, or updates the one with the same username in the
// same business. An empty password keeps the stored one.
func SaveUser(ctx context.Context, db *gorm.DB, businessId string, input NewUser) (*User, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	// usernames are unique across businesses
	var user User
	err := db.WithContext(config.WithoutTenantScope(ctx)).Where("username = ?", input.Username).Take(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	exists := err == nil
	if exists && user.BusinessId != businessId {
		return nil, errors.New("username is taken")
	}

	if input.Password != "" {
		hashed, err := utils.HashPassword(input.Password)
		if err != nil {
			return nil, err
		}
		user.Password = hashed
	} else if !exists {
		return nil, errors.New("password is required")
	}
	user.BusinessId = businessId
	user.Username = input.Username
	user.Name = input.Name
	user.Department = input.Department
	user.Role = input.Role
	user.IsActive = input.IsActive

	if !exists {
		user.ID = uuid.NewString()
		err = db.WithContext(ctx).Create(&user).Error
	} else {
		err = db.WithContext(ctx).Save(&user).Error
	}
	if err != nil {
		return nil, err
	}
	if err := user.RemoveInstanceRedis(ctx); err != nil {
		config.LogError(config.GetLogger(), "User", "SaveUser", "drop cached user", user.Username, err)
	}
	return &user, nil
}

func tokenLifespan() time.Duration {
	hours, err := strconv.Atoi(os.Getenv("TOKEN_HOUR_LIFESPAN"))
	if err != nil || hours <= 0 {
		hours = 12
	}
	return time.Duration(hours) * time.Hour
}

// Login checks the credentials and opens a session: Token:<token> holds the
// username, Tokens:<username> every open token of the user.
func Login(ctx context.Context, db *gorm.DB, username string, password string) (*LoginInfo, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	var user User
	if err := db.WithContext(ctx).Where("username = ?", username).Take(&user).Error; err != nil {
		return nil, errors.New("invalid username or password")
	}
	if err := utils.ComparePassword(user.Password, password); err != nil {
		return nil, errors.New("invalid username or password")
	}
	if !user.IsActive {
		return nil, errors.New("user is disabled")
	}

	if config.GetRedisDB() == nil {
		return nil, errors.New("session store unavailable")
	}
	token := uuid.NewString()
	if err := config.AddRedisSet(ctx, "Tokens:"+user.Username, token, tokenLifespan()); err != nil {
		return nil, err
	}
	if err := config.SetRedisValue(ctx, "Token:"+token, user.Username, tokenLifespan()); err != nil {
		return nil, err
	}
	return &LoginInfo{
		Token:      token,
		UserId:     user.ID,
		Name:       user.Name,
		Role:       user.Role,
		Department: user.Department,
		BusinessId: user.BusinessId,
	}, nil
}

// Logout destroys the current session.
func Logout(ctx context.Context) error {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return errors.New("token is required")
	}
	if err := config.RemoveRedisKey(ctx, "Token:"+token); err != nil {
		return err
	}
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return nil
	}
	return config.RemoveRedisSetMember(ctx, "Tokens:"+username, token)
}

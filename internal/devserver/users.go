package devserver

import (
	"fmt"
	"strings"

	"github.com/nkiryanov/campusportal/internal/apperrors"
	"github.com/nkiryanov/campusportal/internal/models"
)

type User struct {
	ID             int
	Username       string
	Email          string
	Role           models.Role
	FirstName      string
	LastName       string
	HashedPassword string
}

// Demo account with its plain password and extra login names
type DemoAccount struct {
	User     User
	Password string
	Aliases  []string
}

// DemoAccounts is one account per role, the same the portal login page advertises
func DemoAccounts() []DemoAccount {
	return []DemoAccount{
		{
			User:     User{ID: 1, Username: "admin", Email: "admin@college.edu", Role: models.RoleAdmin, FirstName: "Admin", LastName: "User"},
			Password: "admin123",
		},
		{
			User:     User{ID: 2, Username: "student", Email: "student@college.edu", Role: models.RoleStudent, FirstName: "John", LastName: "Doe"},
			Password: "student123",
			Aliases:  []string{"student_demo"},
		},
		{
			User:     User{ID: 3, Username: "teacher", Email: "teacher@college.edu", Role: models.RoleTeacher, FirstName: "Dr. Jane", LastName: "Smith"},
			Password: "teacher123",
			Aliases:  []string{"teacher_demo"},
		},
		{
			User:     User{ID: 4, Username: "resource", Email: "resource@college.edu", Role: models.RoleResourcePerson, FirstName: "Resource", LastName: "Manager"},
			Password: "resource123",
			Aliases:  []string{"resource_demo"},
		},
	}
}

// Users is a read-only user directory. Users log in by username, e-mail or alias.
type Users struct {
	hasher  PasswordHasher
	byID    map[int]User
	byLogin map[string]int
}

func NewUsers(hasher PasswordHasher, accounts []DemoAccount) (*Users, error) {
	if hasher == nil {
		hasher = BcryptHasher{}
	}

	u := &Users{
		hasher:  hasher,
		byID:    make(map[int]User, len(accounts)),
		byLogin: make(map[string]int),
	}

	for _, a := range accounts {
		hash, err := hasher.Hash(a.Password)
		if err != nil {
			return nil, fmt.Errorf("can't hash password of %s. Err: %w", a.User.Username, err)
		}
		user := a.User
		user.HashedPassword = hash
		u.byID[user.ID] = user

		for _, login := range append([]string{user.Username, user.Email}, a.Aliases...) {
			if login != "" {
				u.byLogin[strings.ToLower(login)] = user.ID
			}
		}
	}

	return u, nil
}

// Authenticate returns apperrors.ErrUserNotFound both for unknown login and wrong password
func (u *Users) Authenticate(login string, password string) (User, error) {
	id, ok := u.byLogin[strings.ToLower(strings.TrimSpace(login))]
	if !ok {
		return User{}, apperrors.ErrUserNotFound
	}

	user := u.byID[id]
	if err := u.hasher.Compare(user.HashedPassword, password); err != nil {
		return User{}, apperrors.ErrUserNotFound
	}
	return user, nil
}

func (u *Users) Get(id int) (User, error) {
	user, ok := u.byID[id]
	if !ok {
		return User{}, apperrors.ErrUserNotFound
	}
	return user, nil
}

package services

import (
	"database/sql"
	"log"
	"net/http"

	"github.com/jubok/foundation-backend/internal/middleware"
	"github.com/jubok/foundation-backend/internal/models"
)

// UserStore is the slice of the user collaborator the payment orchestrator
// needs: looking up the payer and elevating them inside the completion
// transaction.
type UserStore interface {
	FindByID(id int) (*models.User, error)
	UpdateRoleAndStatusTx(tx *sql.Tx, id int, role models.UserRole, status models.UserStatus) error
}

type UserService struct {
	db *sql.DB
}

func NewUserService(db *sql.DB) *UserService {
	return &UserService{db: db}
}

func (s *UserService) FindByID(id int) (*models.User, error) {
	user := &models.User{}
	var phone, avatar sql.NullString
	err := s.db.QueryRow(`
		SELECT id, name, email, phone, role, status, avatar, last_login, created_at
		FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.Name, &user.Email, &phone, &user.Role,
			&user.Status, &avatar, &user.LastLogin, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	user.Phone = phone.String
	user.Avatar = avatar.String
	return user, nil
}

// UpdateRoleAndStatusTx elevates a user within the caller's transaction so a
// membership completion either fully applies or fully rolls back.
func (s *UserService) UpdateRoleAndStatusTx(tx *sql.Tx, id int, role models.UserRole, status models.UserStatus) error {
	result, err := tx.Exec(`
		UPDATE users SET role = $1, status = $2 WHERE id = $3`,
		role, status, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetProfile returns the authenticated user's account
// @Summary Get user profile
// @Description Get the authenticated user's account details
// @Tags users
// @Produce json
// @Success 200 {object} models.User
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /users/me [get]
func (s *UserService) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	user, err := s.FindByID(userID)
	if err != nil {
		if err == ErrNotFound {
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[USER] Failed to fetch profile for user %d: %v", userID, err)
			SendErrorResponse(w, "Failed to fetch profile", http.StatusInternalServerError, nil)
		}
		return
	}

	WriteJSON(w, http.StatusOK, user)
}

/*
Package membership tracks the rewards facet of a customer: whether they are
enrolled and their member number.

RULES:
  - Enroll is idempotent. The member number is generated on the first
    enrollment ("RM" + zero padded customer id) and never changes.
  - Unenroll only clears the flag. Ledger history, member number and balance
    are kept, so enrolling again restores the same membership.
  - A customer of another tenant behaves exactly like a missing one.
*/
package membership

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/reqctx"
)

type Customer struct {
	TenantID         ledger.TenantID   `json:"tenant_id"`
	ID               ledger.CustomerID `json:"id"`
	Name             string            `json:"name"`
	RewardsEnrolled  bool              `json:"rewards_enrolled"`
	RewardsMemberNo  string            `json:"rewards_member_no,omitempty"`
	DiscountSchemeID *int64            `json:"discount_scheme_id,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// MemberNumber returns the member number for a customer id.
func MemberNumber(id ledger.CustomerID) string {
	return fmt.Sprintf("RM%08d", id)
}

// Store persists customers. Implementations return ledger.ErrCustomerNotFound
// for unknown or foreign customers.
type Store interface {
	GetCustomer(ctx context.Context, tenant ledger.TenantID, id ledger.CustomerID) (Customer, error)

	// SaveCustomer upserts name and discount scheme. Enrollment fields are
	// left untouched on existing rows.
	SaveCustomer(ctx context.Context, c Customer) (Customer, error)

	// Enroll sets the flag and stores memberNo only if the customer has no
	// member number yet, in one statement. Returns the stored number.
	Enroll(ctx context.Context, tenant ledger.TenantID, id ledger.CustomerID, memberNo string) (string, error)

	Unenroll(ctx context.Context, tenant ledger.TenantID, id ledger.CustomerID) error
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Enroll(ctx context.Context, rc reqctx.RequestContext, id ledger.CustomerID) (string, error) {
	if err := rc.Validate(); err != nil {
		return "", err
	}
	no, err := s.store.Enroll(ctx, rc.TenantID, id, MemberNumber(id))
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{
		"tenant_id":   rc.TenantID,
		"customer_id": id,
		"member_no":   no,
		"user_id":     rc.UserID,
	}).Info("customer enrolled in rewards")
	return no, nil
}

func (s *Service) Unenroll(ctx context.Context, rc reqctx.RequestContext, id ledger.CustomerID) error {
	if err := rc.Validate(); err != nil {
		return err
	}
	if err := s.store.Unenroll(ctx, rc.TenantID, id); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"tenant_id":   rc.TenantID,
		"customer_id": id,
		"user_id":     rc.UserID,
	}).Info("customer unenrolled from rewards")
	return nil
}

func (s *Service) Get(ctx context.Context, rc reqctx.RequestContext, id ledger.CustomerID) (Customer, error) {
	if err := rc.Validate(); err != nil {
		return Customer{}, err
	}
	return s.store.GetCustomer(ctx, rc.TenantID, id)
}

func (s *Service) IsEnrolled(ctx context.Context, rc reqctx.RequestContext, id ledger.CustomerID) (bool, error) {
	if err := rc.Validate(); err != nil {
		return false, err
	}
	c, err := s.store.GetCustomer(ctx, rc.TenantID, id)
	if err != nil {
		return false, err
	}
	return c.RewardsEnrolled, nil
}

// Save upserts the CRM-owned fields of a customer.
func (s *Service) Save(ctx context.Context, rc reqctx.RequestContext, c Customer) (Customer, error) {
	if err := rc.Validate(); err != nil {
		return Customer{}, err
	}
	if c.ID <= 0 {
		return Customer{}, ledger.ErrInvalidCustomerID
	}
	c.TenantID = rc.TenantID
	c.Name = strings.TrimSpace(c.Name)
	return s.store.SaveCustomer(ctx, c)
}

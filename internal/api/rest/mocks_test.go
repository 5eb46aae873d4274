package rest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/threatguard/internal/domain/security"
	"github.com/davidleathers/threatguard/internal/service/classifier"
	"github.com/davidleathers/threatguard/internal/service/orchestrator"
)

type MockSecurityService struct {
	mock.Mock
}

func (m *MockSecurityService) SubmitEvent(ctx context.Context, eventType security.EventType, subject string, details map[string]interface{}) (*security.Alert, error) {
	args := m.Called(ctx, eventType, subject, details)
	alert, _ := args.Get(0).(*security.Alert)
	return alert, args.Error(1)
}

func (m *MockSecurityService) IsBlocked(ctx context.Context, subject string) bool {
	return m.Called(ctx, subject).Bool(0)
}

func (m *MockSecurityService) IsModelRestricted(ctx context.Context, subject string) bool {
	return m.Called(ctx, subject).Bool(0)
}

func (m *MockSecurityService) Classify(payload interface{}) classifier.Classification {
	return m.Called(payload).Get(0).(classifier.Classification)
}

func (m *MockSecurityService) GetSecurityStatus(ctx context.Context) (*orchestrator.Status, error) {
	args := m.Called(ctx)
	status, _ := args.Get(0).(*orchestrator.Status)
	return status, args.Error(1)
}

func (m *MockSecurityService) ResolveAlert(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockSecurityService) LiftBlock(ctx context.Context, subject string) (bool, error) {
	args := m.Called(ctx, subject)
	return args.Bool(0), args.Error(1)
}

func (m *MockSecurityService) UpdateDefenseRuleParameters(ctx context.Context, name string, conditions []security.Condition) (bool, error) {
	args := m.Called(ctx, name, conditions)
	return args.Bool(0), args.Error(1)
}

func (m *MockSecurityService) Rules() []security.DefenseRule {
	rules, _ := m.Called().Get(0).([]security.DefenseRule)
	return rules
}

func (m *MockSecurityService) CurrentPosture(ctx context.Context) security.Posture {
	return m.Called(ctx).Get(0).(security.Posture)
}

func (m *MockSecurityService) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

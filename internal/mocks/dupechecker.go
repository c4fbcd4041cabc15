// Code generated manually in the teacher's mockgen style. DO NOT EDIT.

package mocks

import (
	"context"
	"reflect"

	"go.uber.org/mock/gomock"

	"github.com/javi11/nzbcore/internal/dupeindex"
)

// MockDupeChecker is a mock of queueapi.DupeChecker.
type MockDupeChecker struct {
	ctrl     *gomock.Controller
	recorder *MockDupeCheckerMockRecorder
}

// MockDupeCheckerMockRecorder is the mock recorder for MockDupeChecker.
type MockDupeCheckerMockRecorder struct {
	mock *MockDupeChecker
}

// NewMockDupeChecker creates a new mock instance.
func NewMockDupeChecker(ctrl *gomock.Controller) *MockDupeChecker {
	mock := &MockDupeChecker{ctrl: ctrl}
	mock.recorder = &MockDupeCheckerMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockDupeChecker) EXPECT() *MockDupeCheckerMockRecorder {
	return m.recorder
}

// CheckDuplicate mocks base method.
func (m *MockDupeChecker) CheckDuplicate(ctx context.Context, dupeKey string, dupeScore int, mode dupeindex.DupeMode) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CheckDuplicate", ctx, dupeKey, dupeScore, mode)
	ret0, _ := ret[0].(bool)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// CheckDuplicate indicates an expected call of CheckDuplicate.
func (mr *MockDupeCheckerMockRecorder) CheckDuplicate(ctx, dupeKey, dupeScore, mode any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CheckDuplicate", reflect.TypeOf((*MockDupeChecker)(nil).CheckDuplicate), ctx, dupeKey, dupeScore, mode)
}

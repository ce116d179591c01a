package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionTo(t *testing.T) {
	// PENDING 可以流转到所有终态
	assert.True(t, CanTransitionTo(TransactionStatusPending, TransactionStatusSucceeded))
	assert.True(t, CanTransitionTo(TransactionStatusPending, TransactionStatusFailed))
	assert.True(t, CanTransitionTo(TransactionStatusPending, TransactionStatusCanceled))
	assert.True(t, CanTransitionTo(TransactionStatusPending, TransactionStatusSettled))
	assert.True(t, CanTransitionTo(TransactionStatusPending, TransactionStatusSettlementFailed))

	// 已成功的支付只能被退款
	assert.True(t, CanTransitionTo(TransactionStatusSucceeded, TransactionStatusRefunded))
	assert.False(t, CanTransitionTo(TransactionStatusSucceeded, TransactionStatusFailed))
	assert.False(t, CanTransitionTo(TransactionStatusSucceeded, TransactionStatusPending))

	// 终态不再流转
	assert.False(t, CanTransitionTo(TransactionStatusFailed, TransactionStatusSucceeded))
	assert.False(t, CanTransitionTo(TransactionStatusRefunded, TransactionStatusSucceeded))
	assert.False(t, CanTransitionTo(TransactionStatusSettled, TransactionStatusPending))
}

func TestIsOneTimeRevenueType(t *testing.T) {
	assert.True(t, IsOneTimeRevenueType(TransactionTypeAppOneTimePayment))
	assert.True(t, IsOneTimeRevenueType(TransactionTypePlatformOneTimePayment))
	assert.False(t, IsOneTimeRevenueType(TransactionTypePayment))
	assert.False(t, IsOneTimeRevenueType(TransactionTypeSettlement))
}

func TestGatewayEventID(t *testing.T) {
	assert.Equal(t, "gateway:evt_123", GatewayEventID("evt_123"))
}

func TestLedgerTypeForStatus(t *testing.T) {
	assert.Equal(t, LedgerTypeCredit, LedgerTypeForStatus(TransactionStatusSucceeded))
	assert.Equal(t, LedgerTypeRefund, LedgerTypeForStatus(TransactionStatusRefunded))
	assert.Equal(t, LedgerTypeError, LedgerTypeForStatus(TransactionStatusFailed))
	assert.Equal(t, LedgerTypeError, LedgerTypeForStatus(TransactionStatusCanceled))
}

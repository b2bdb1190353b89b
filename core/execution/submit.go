package execution

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/api3dao/airnode-go/model"
	"github.com/api3dao/airnode-go/pkg/retry"
)

// submitWallet sends one wallet's queue strictly in nonce order. A failed
// send stops the queue; sending past it would leave the skipped nonce
// unfillable on-chain.
func (e *Engine) submitWallet(ctx context.Context, address common.Address, queue []queueItem, gasPrice, chainID *big.Int, currentBlock uint64) (submitted, failed int) {
	key, err := e.registry.Key(address)
	if err != nil {
		e.logger.Errorf("cannot sign for wallet %s: %v", address.Hex(), err)
		return 0, len(queue)
	}
	signer := types.NewEIP155Signer(chainID)

	for i, item := range queue {
		if item.withdrawal != nil {
			err = e.submitWithdrawal(ctx, item.withdrawal, key, signer, gasPrice, currentBlock)
		} else {
			err = e.submitApiCall(ctx, item.apiCall, address, key, signer, gasPrice)
		}
		if err != nil {
			e.logger.Errorf("wallet %s queue halted at nonce slot %d: %v", address.Hex(), i, err)
			return submitted, len(queue) - i
		}
		submitted++
	}
	return submitted, 0
}

func (e *Engine) submitApiCall(ctx context.Context, call *model.ApiCall, from common.Address, key *ecdsa.PrivateKey, signer types.Signer, gasPrice *big.Int) error {
	switch call.Status {
	case model.StatusFulfilled:
		e.logger.Debugf("request %s already fulfilled, nothing to submit", call.ID.Hex())
		return nil
	case model.StatusBlocked:
		e.logger.Infof("request %s is blocked, not submitting", call.ID.Hex())
		return nil
	case model.StatusErrored:
		return e.sendFail(ctx, call, key, signer, gasPrice, call.ErrorCode.String())
	}

	response, err := e.adapter.Call(ctx, call)
	if err != nil {
		e.logger.Warnf("API call for request %s failed: %v", call.ID.Hex(), err)
		call.Fail(model.ErrorCodeApiCallFailed, err.Error())
		return e.sendFail(ctx, call, key, signer, gasPrice, call.ErrorCode.String())
	}

	calldata, err := e.rrp.PackFulfill(call.ID, call.Airnode, call.FulfillAddress, call.FulfillFunctionID, response)
	if err != nil {
		return fmt.Errorf("%w: request %s: %v", ErrSubmission, call.ID.Hex(), err)
	}

	callSuccess, simErr := e.simulateFulfill(ctx, from, calldata, gasPrice)
	switch {
	case simErr != nil:
		// Best-effort terminal signal; if even the fail transaction cannot
		// go out, surface the error and let the next round retry.
		e.logger.Errorf("fulfillment simulation for request %s errored: %v", call.ID.Hex(), simErr)
		if err := e.sendFail(ctx, call, key, signer, gasPrice, "fulfillment simulation failed"); err != nil {
			return err
		}
		return nil
	case !callSuccess:
		e.logger.Warnf("fulfillment for request %s would revert, submitting fail", call.ID.Hex())
		return e.sendFail(ctx, call, key, signer, gasPrice, "fulfillment call reverted")
	}

	if err := e.sendTransaction(ctx, key, signer, *call.Nonce, common.Big0, e.cfg.FulfillmentGasLimit, gasPrice, calldata); err != nil {
		return fmt.Errorf("%w: fulfill request %s: %v", ErrSubmission, call.ID.Hex(), err)
	}
	e.logger.Infof("submitted fulfillment for request %s with nonce %d", call.ID.Hex(), *call.Nonce)
	return nil
}

func (e *Engine) simulateFulfill(ctx context.Context, from common.Address, calldata []byte, gasPrice *big.Int) (bool, error) {
	msg := ethereum.CallMsg{
		From:     from,
		To:       &e.rrp.Address,
		Gas:      e.cfg.FulfillmentGasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	}
	out, err := retry.Do(ctx, e.policy, "simulate fulfill", func(ctx context.Context) ([]byte, error) {
		return e.backend.CallContract(ctx, msg, nil)
	})
	if err != nil {
		return false, err
	}

	callSuccess, _, err := e.rrp.UnpackFulfillResult(out)
	if err != nil {
		return false, err
	}
	return callSuccess, nil
}

func (e *Engine) sendFail(ctx context.Context, call *model.ApiCall, key *ecdsa.PrivateKey, signer types.Signer, gasPrice *big.Int, message string) error {
	calldata, err := e.rrp.PackFail(call.ID, call.Airnode, call.FulfillAddress, call.FulfillFunctionID, message)
	if err != nil {
		return fmt.Errorf("%w: request %s: %v", ErrSubmission, call.ID.Hex(), err)
	}
	if err := e.sendTransaction(ctx, key, signer, *call.Nonce, common.Big0, e.cfg.FulfillmentGasLimit, gasPrice, calldata); err != nil {
		return fmt.Errorf("%w: fail request %s: %v", ErrSubmission, call.ID.Hex(), err)
	}
	e.logger.Infof("submitted fail for request %s with nonce %d: %s", call.ID.Hex(), *call.Nonce, message)
	return nil
}

// submitWithdrawal releases the sponsor wallet's balance minus the gas cost
// of the withdrawal transaction itself, carried as transaction value.
func (e *Engine) submitWithdrawal(ctx context.Context, withdrawal *model.Withdrawal, key *ecdsa.PrivateKey, signer types.Signer, gasPrice *big.Int, currentBlock uint64) error {
	address := crypto.PubkeyToAddress(key.PublicKey)
	block := new(big.Int).SetUint64(currentBlock)

	balance, err := retry.Do(ctx, e.policy, "wallet balance", func(ctx context.Context) (*big.Int, error) {
		return e.backend.BalanceAt(ctx, address, block)
	})
	if err != nil {
		return fmt.Errorf("%w: withdrawal %s: %v", ErrSubmission, withdrawal.ID.Hex(), err)
	}

	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(e.cfg.WithdrawalGasLimit))
	value := new(big.Int).Sub(balance, cost)
	if value.Sign() <= 0 {
		return fmt.Errorf("%w: withdrawal %s: wallet balance %s does not cover gas cost %s", ErrSubmission, withdrawal.ID.Hex(), balance.String(), cost.String())
	}

	calldata, err := e.rrp.PackFulfillWithdrawal(withdrawal.ID, withdrawal.Airnode, withdrawal.Sponsor)
	if err != nil {
		return fmt.Errorf("%w: withdrawal %s: %v", ErrSubmission, withdrawal.ID.Hex(), err)
	}
	if err := e.sendTransaction(ctx, key, signer, *withdrawal.Nonce, value, e.cfg.WithdrawalGasLimit, gasPrice, calldata); err != nil {
		return fmt.Errorf("%w: withdrawal %s: %v", ErrSubmission, withdrawal.ID.Hex(), err)
	}
	e.logger.Infof("submitted withdrawal %s releasing %s wei with nonce %d", withdrawal.ID.Hex(), value.String(), *withdrawal.Nonce)
	return nil
}

// sendTransaction signs and sends a legacy transaction. There is no retry:
// resubmitting a state-changing call risks duplicates, and the next round's
// fulfillment-log lookup is the real retry mechanism.
func (e *Engine) sendTransaction(ctx context.Context, key *ecdsa.PrivateKey, signer types.Signer, nonce uint64, value *big.Int, gasLimit uint64, gasPrice *big.Int, data []byte) error {
	tx := types.NewTransaction(nonce, e.rrp.Address, value, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, signer, key)
	if err != nil {
		return err
	}
	return e.backend.SendTransaction(ctx, signed)
}

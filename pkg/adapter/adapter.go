// Package adapter resolves validated API calls against their upstream HTTP
// endpoints and encodes the extracted response value for on-chain delivery.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"

	"github.com/api3dao/airnode-go/model"
	"github.com/api3dao/airnode-go/pkg/abicodec"
	"github.com/api3dao/airnode-go/pkg/logger"
)

const defaultTimeout = 30 * time.Second

// Endpoint is one trigger: the upstream operation an endpoint id maps to,
// plus response defaults a request can override with reserved parameters.
type Endpoint struct {
	EndpointID common.Hash
	URL        string
	Method     string

	// Defaults for requests that omit _path / _type.
	ResponsePath string
	ResponseType string
}

// Client calls upstream APIs over HTTP. It satisfies the execution engine's
// adapter interface.
type Client struct {
	http      *resty.Client
	endpoints map[common.Hash]Endpoint
	logger    logger.Logger
}

func NewClient(endpoints []Endpoint, timeout time.Duration, l logger.Logger) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	client := resty.New()
	client.SetTimeout(timeout)

	byID := make(map[common.Hash]Endpoint, len(endpoints))
	for _, endpoint := range endpoints {
		byID[endpoint.EndpointID] = endpoint
	}

	return &Client{
		http:      client,
		endpoints: byID,
		logger:    logger.EnsureLogger(l),
	}
}

// Call resolves the request's endpoint trigger, performs the upstream HTTP
// call with the decoded parameters, extracts the value at the response path,
// applies the _times multiplier, and encodes the result for the chain.
func (c *Client) Call(ctx context.Context, call *model.ApiCall) ([]byte, error) {
	endpoint, ok := c.endpoints[call.EndpointID]
	if !ok {
		return nil, fmt.Errorf("adapter: no trigger for endpoint %s", call.EndpointID.Hex())
	}

	body, err := c.fetch(ctx, endpoint, call.Parameters)
	if err != nil {
		return nil, err
	}

	path := call.Reserved.Path
	if path == "" {
		path = endpoint.ResponsePath
	}
	value, err := extractPath(body, path)
	if err != nil {
		return nil, err
	}

	responseType := call.Reserved.Type
	if responseType == "" {
		responseType = endpoint.ResponseType
	}
	if responseType == "" {
		return nil, fmt.Errorf("adapter: endpoint %s has no response type", call.EndpointID.Hex())
	}

	value, err = applyTimes(value, responseType, call.Reserved.Times)
	if err != nil {
		return nil, err
	}

	encoded, err := abicodec.EncodeValue(responseType, value)
	if err != nil {
		return nil, fmt.Errorf("adapter: encode response: %w", err)
	}
	return encoded, nil
}

func (c *Client) fetch(ctx context.Context, endpoint Endpoint, params map[string]interface{}) (interface{}, error) {
	request := c.http.R().SetContext(ctx)

	var (
		response *resty.Response
		err      error
	)
	if strings.EqualFold(endpoint.Method, "post") {
		request.SetHeader("Content-Type", "application/json")
		request.SetBody(params)
		response, err = request.Post(endpoint.URL)
	} else {
		for name, value := range params {
			request.SetQueryParam(name, fmt.Sprint(value))
		}
		response, err = request.Get(endpoint.URL)
	}
	if err != nil {
		return nil, fmt.Errorf("adapter: request to %s: %w", endpoint.URL, err)
	}
	if response.StatusCode() < 200 || response.StatusCode() >= 300 {
		return nil, fmt.Errorf("adapter: %s returned HTTP %d", endpoint.URL, response.StatusCode())
	}

	var body interface{}
	if err := json.Unmarshal(response.Body(), &body); err != nil {
		return nil, fmt.Errorf("adapter: response from %s is not JSON: %w", endpoint.URL, err)
	}
	return body, nil
}

// extractPath walks a dot-separated path through the decoded JSON body.
// Numeric segments index into arrays. An empty path returns the whole body.
func extractPath(body interface{}, path string) (interface{}, error) {
	if path == "" {
		return body, nil
	}

	current := body
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			value, ok := node[segment]
			if !ok {
				return nil, fmt.Errorf("adapter: response path %q not found", path)
			}
			current = value
		case []interface{}:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, fmt.Errorf("adapter: response path %q not found", path)
			}
			current = node[index]
		default:
			return nil, fmt.Errorf("adapter: response path %q not found", path)
		}
	}
	return current, nil
}

// applyTimes scales a numeric response by the _times multiplier and floors
// it to an integer, the form the integer chain types expect. Non-numeric
// types pass through untouched; JSON numbers headed for an integer type are
// floored even without a multiplier.
func applyTimes(value interface{}, responseType string, times *big.Int) (interface{}, error) {
	if responseType != abicodec.TypeInt256 && responseType != abicodec.TypeUint256 {
		return value, nil
	}

	number, err := toBigFloat(value)
	if err != nil {
		return nil, err
	}
	if times != nil {
		number.Mul(number, new(big.Float).SetInt(times))
	}

	floored, _ := number.Int(nil)
	return floored, nil
}

func toBigFloat(value interface{}) (*big.Float, error) {
	switch v := value.(type) {
	case float64:
		return big.NewFloat(v), nil
	case string:
		number, ok := new(big.Float).SetString(strings.TrimSpace(v))
		if !ok {
			return nil, fmt.Errorf("adapter: value %q is not numeric", v)
		}
		return number, nil
	}
	return nil, fmt.Errorf("adapter: value %v is not numeric", value)
}

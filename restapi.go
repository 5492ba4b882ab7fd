/************************************************************************************
 *
 * gatewire, a Go client library for the Discord real-time gateway
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package gatewire

import (
	"encoding/json"
	"io"
	"net/http"
)

/*******************************************************************************
 *                              REST API CORE
 *******************************************************************************/

// restApi is the HTTP surface this library needs: the single bootstrap fetch
// that discovers the gateway URL, recommended shard count, and identify
// quota (§4.6). Every other Discord REST endpoint is out of scope (Non-goal:
// "REST API calls other than the single bootstrap fetch") and is left to the
// host application.
type restApi struct {
	req    *requester
	logger Logger
}

// newRestApi creates a new restApi instance with the given requester and logger.
func newRestApi(req *requester, logger Logger) *restApi {
	return &restApi{
		req:    req,
		logger: logger,
	}
}

// Shutdown gracefully shuts down the REST API client.
func (r *restApi) Shutdown() {
	r.logger.Info("RestAPI shutting down")
	r.req.Shutdown()
	r.logger = nil
	r.req = nil
}

func (r *restApi) doRequest(method, endpoint string, body []byte, authWithToken bool, reason string) ([]byte, error) {
	r.logger.Debug("Calling endpoint: " + method + endpoint)

	res, err := r.req.do(method, endpoint, body, authWithToken, reason)
	if err != nil {
		r.logger.Error("Request failed for endpoint " + method + endpoint + ": " + err.Error())
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		r.logger.Error("Request failed for endpoint " + method + endpoint + ": Invalid Token")
		return nil, ErrUnauthorized
	}

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		r.logger.Error("Failed reading response body for endpoint " + method + endpoint + ": " + err.Error())
		return nil, err
	}

	r.logger.Debug("Successfully called endpoint: " + method + endpoint)
	return bodyBytes, nil
}

/*******************************************************************************
 *                              GATEWAY METHODS
 *******************************************************************************/

// FetchGatewayBot retrieves bot gateway information including the recommended
// shard count and the identify session-start-limit descriptor (§4.6).
//
// Usage example:
//
//	gatewayBot, err := api.FetchGatewayBot()
//	if err != nil {
//	    // handle error
//	}
//	fmt.Println("Recommended shards:", gatewayBot.Shards)
func (r *restApi) FetchGatewayBot() (GatewayBot, error) {
	body, err := r.doRequest("GET", "/gateway/bot", nil, true, "")
	if err != nil {
		return GatewayBot{}, err
	}

	var obj GatewayBot
	if err := json.Unmarshal(body, &obj); err != nil {
		r.logger.Error("Failed parsing response for /gateway/bot: " + err.Error())
		return GatewayBot{}, err
	}
	return obj, nil
}

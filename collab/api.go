package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// http client for the external persistence api. used only in solo mode,
// where the session drives a plain change log instead of a replica.

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type PersistenceApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	byJwt  string

	httpClient *http.Client
}

func NewPersistenceApi(ctx context.Context, apiUrl string, byJwt string) *PersistenceApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PersistenceApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		byJwt:      byJwt,
		httpClient: defaultClient(),
	}
}

type SaveBlocksArgs struct {
	SessionId string    `json:"sessionId"`
	Changes   []*Change `json:"changes"`
}

type SaveBlocksResult struct {
	Success bool `json:"success"`
}

func (self *PersistenceApi) SaveBlocks(args *SaveBlocksArgs, callback apiCallback[*SaveBlocksResult]) {
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/sessions/%s/blocks", self.apiUrl, args.SessionId),
		self.byJwt,
		args,
		&SaveBlocksResult{},
		callback,
	)
}

func (self *PersistenceApi) SaveBlocksSync(args *SaveBlocksArgs) (*SaveBlocksResult, error) {
	callback, c := NewBlockingApiCallback[*SaveBlocksResult]()
	self.SaveBlocks(args, callback)
	r := <-c
	return r.Result, r.Error
}

type LoadBlocksArgs struct {
	SessionId string `json:"sessionId"`
	Page      int    `json:"page"`
	PageSize  int    `json:"pageSize"`
}

type LoadBlocksResult struct {
	Blocks  []*Block `json:"blocks"`
	Total   int      `json:"total"`
	HasMore bool     `json:"hasMore"`
}

func (self *PersistenceApi) LoadBlocks(args *LoadBlocksArgs, callback apiCallback[*LoadBlocksResult]) {
	go get(
		self.ctx,
		self.httpClient,
		fmt.Sprintf(
			"%s/sessions/%s/blocks?page=%d&page_size=%d",
			self.apiUrl,
			args.SessionId,
			args.Page,
			args.PageSize,
		),
		self.byJwt,
		&LoadBlocksResult{},
		callback,
	)
}

func (self *PersistenceApi) LoadBlocksSync(args *LoadBlocksArgs) (*LoadBlocksResult, error) {
	callback, c := NewBlockingApiCallback[*LoadBlocksResult]()
	self.LoadBlocks(args, callback)
	r := <-c
	return r.Result, r.Error
}

func (self *PersistenceApi) Close() {
	self.cancel()
}

func post[T any, R any](
	ctx context.Context,
	httpClient *http.Client,
	url string,
	byJwt string,
	args T,
	result R,
	callback apiCallback[R],
) {
	var empty R
	requestBody, err := json.Marshal(args)
	if err != nil {
		callback.Result(empty, err)
		return
	}
	request, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBody))
	if err != nil {
		callback.Result(empty, err)
		return
	}
	request.Header.Set("Content-Type", "application/json")
	if byJwt != "" {
		request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}
	doRequest(httpClient, request, result, callback)
}

func get[R any](
	ctx context.Context,
	httpClient *http.Client,
	url string,
	byJwt string,
	result R,
	callback apiCallback[R],
) {
	var empty R
	request, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		callback.Result(empty, err)
		return
	}
	if byJwt != "" {
		request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}
	doRequest(httpClient, request, result, callback)
}

func doRequest[R any](
	httpClient *http.Client,
	request *http.Request,
	result R,
	callback apiCallback[R],
) {
	var empty R
	response, err := httpClient.Do(request)
	if err != nil {
		callback.Result(empty, err)
		return
	}
	defer response.Body.Close()

	if http.StatusOK != response.StatusCode {
		callback.Result(empty, fmt.Errorf("bad status: %s", response.Status))
		return
	}

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		callback.Result(empty, err)
		return
	}
	if err := json.Unmarshal(responseBody, result); err != nil {
		callback.Result(empty, err)
		return
	}
	callback.Result(result, nil)
}

package actiontrail

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"

	sdkerrors "github.com/aliyun/alibaba-cloud-sdk-go/sdk/errors"
	sdk "github.com/aliyun/alibaba-cloud-sdk-go/services/actiontrail"
	"github.com/cockroachdb/errors"

	"github.com/albachteng/trailsync/internal/jobs"
)

const sdkTimeoutCode = "SDK.TimeoutError"

// SDKClient adapts the Aliyun SDK client to LookupAPI.
type SDKClient struct {
	client *sdk.Client
}

func NewSDKClient(region, accessKey, secret string) (*SDKClient, error) {
	if accessKey == "" || secret == "" {
		return nil, errors.Wrap(jobs.ErrConfig, "aliyun access key and secret are required")
	}
	if region == "" {
		region = DefaultRegion
	}

	client, err := sdk.NewClientWithAccessKey(region, accessKey, secret)
	if err != nil {
		return nil, errors.Wrapf(jobs.ErrConfig, "aliyun client: %v", err)
	}
	return &SDKClient{client: client}, nil
}

// lookupBody is the JSON body of a LookupEvents response.
type lookupBody struct {
	RequestID string           `json:"RequestId"`
	NextToken string           `json:"NextToken"`
	Events    []map[string]any `json:"Events"`
}

func (c *SDKClient) LookupEvents(ctx context.Context, req LookupRequest) (*LookupResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	request := sdk.CreateLookupEventsRequest()
	request.Scheme = "https"
	request.StartTime = req.StartTime.UTC().Format(TimeFormat)
	request.EndTime = req.EndTime.UTC().Format(TimeFormat)
	if req.MaxResults > 0 {
		request.MaxResults = strconv.Itoa(req.MaxResults)
	}
	if req.NextToken != "" {
		request.NextToken = req.NextToken
	}

	response, err := c.client.LookupEvents(request)
	if err != nil {
		return nil, classify(err)
	}

	var body lookupBody
	if err := json.Unmarshal(response.GetHttpContentBytes(), &body); err != nil {
		return nil, errors.Wrap(err, "decode LookupEvents response")
	}
	return &LookupResponse{
		RequestID: body.RequestID,
		Events:    body.Events,
		NextToken: body.NextToken,
	}, nil
}

// classify maps SDK errors onto ErrTransientNetwork and ErrUpstreamService.
func classify(err error) error {
	var serverErr *sdkerrors.ServerError
	if errors.As(err, &serverErr) {
		return errors.Wrapf(ErrUpstreamService, "%s: %s (request %s)",
			serverErr.ErrorCode(), serverErr.Message(), serverErr.RequestId())
	}

	var clientErr *sdkerrors.ClientError
	if errors.As(err, &clientErr) {
		if isTimeout(clientErr.ErrorCode(), clientErr.Message()) {
			return errors.Wrap(ErrTransientNetwork, clientErr.Error())
		}
		return errors.Wrap(err, "aliyun client error")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(ErrTransientNetwork, err.Error())
	}
	return err
}

func isTimeout(code, message string) bool {
	return code == sdkTimeoutCode ||
		strings.Contains(message, "timed out") ||
		strings.Contains(message, "Timeout")
}

/*
Copyright 2019 Asiaq Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package group

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/asiaq/asiaq/lib/defaults"
	"github.com/asiaq/asiaq/lib/retry"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
)

// SpotinstAPIHost is the production Spotinst API endpoint
const SpotinstAPIHost = "https://api.spotinst.io"

// spotinstVersion is the API prefix all elastigroup calls share
const spotinstVersion = "aws/ec2"

// SpotinstClient is an HTTP client to the Spotinst elastigroup API. Every
// call absorbs rate limiting with at least a minute of backoff since the
// provider's rate window only resets once a minute.
type SpotinstClient struct {
	roundtrip.Client
}

// NewSpotinstClient returns a client authenticated with the account API token
func NewSpotinstClient(token string, params ...roundtrip.ClientParam) (*SpotinstClient, error) {
	if token == "" {
		return nil, trace.BadParameter("missing parameter token")
	}
	params = append(params, roundtrip.BearerAuth(token))
	c, err := roundtrip.NewClient(SpotinstAPIHost, spotinstVersion, params...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &SpotinstClient{Client: *c}, nil
}

// spotinstEnvelope is the response wrapper every Spotinst API call returns
type spotinstEnvelope struct {
	Request struct {
		ID string `json:"id"`
	} `json:"request"`
	Response struct {
		Status struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"status"`
		Items []json.RawMessage `json:"items"`
	} `json:"response"`
}

// convertResponse maps the provider's status codes onto typed errors. Rate
// limiting becomes LimitExceeded so callers can retry on it specifically.
func convertResponse(resp *roundtrip.Response, err error) (*spotinstEnvelope, error) {
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch resp.Code() {
	case http.StatusUnauthorized:
		return nil, trace.AccessDenied("provided Spotinst API token is not valid")
	case http.StatusTooManyRequests:
		return nil, trace.LimitExceeded("Spotinst API rate exceeded")
	}
	var envelope spotinstEnvelope
	if err := json.Unmarshal(resp.Bytes(), &envelope); err != nil {
		return nil, trace.BadParameter("Spotinst API did not return a JSON response: %q", resp.Bytes())
	}
	if resp.Code() != http.StatusOK {
		return nil, trace.BadParameter("unknown Spotinst API error encountered: %v, request id %v",
			envelope.Response.Status.Message, envelope.Request.ID)
	}
	return &envelope, nil
}

// throttled runs fn with the provider's rate limit budget: waits are a
// full minute because the rate window resets on minute boundaries, and the
// cumulative wait is bounded the same way as AWS throttling
func (c *SpotinstClient) throttled(ctx context.Context, fn func() (*spotinstEnvelope, error)) (*spotinstEnvelope, error) {
	var envelope *spotinstEnvelope
	err := retry.Call(ctx, retry.Policy{
		Timeout:   defaults.ThrottledCallTimeout,
		Retryable: trace.IsLimitExceeded,
		BackOff: &retry.Jitter{
			Base: defaults.SpotinstMinWait,
			Max:  defaults.SpotinstMinWait,
		},
	}, func() (err error) {
		envelope, err = fn()
		return err
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return envelope, nil
}

// CreateGroup creates a new elastigroup and returns it as the provider
// recorded it
func (c *SpotinstClient) CreateGroup(ctx context.Context, group *Elastigroup) (*Elastigroup, error) {
	envelope, err := c.throttled(ctx, func() (*spotinstEnvelope, error) {
		return convertResponse(c.PostJSON(ctx, c.Endpoint("group"), elastigroupRequest{Group: group}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := unmarshalGroups(envelope)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(created) == 0 {
		return nil, trace.NotFound("Spotinst API returned no group for create request %v",
			envelope.Request.ID)
	}
	return created[0], nil
}

// UpdateGroup applies a partial elastigroup configuration to an existing
// group. Fields absent from the payload are left unchanged by the provider.
func (c *SpotinstClient) UpdateGroup(ctx context.Context, groupID string, group *Elastigroup) error {
	_, err := c.throttled(ctx, func() (*spotinstEnvelope, error) {
		return convertResponse(c.PutJSON(ctx, c.Endpoint("group", groupID), elastigroupRequest{Group: group}))
	})
	return trace.Wrap(err)
}

// GetGroups returns all elastigroups in the account
func (c *SpotinstClient) GetGroups(ctx context.Context) ([]*Elastigroup, error) {
	envelope, err := c.throttled(ctx, func() (*spotinstEnvelope, error) {
		return convertResponse(c.Get(ctx, c.Endpoint("group"), url.Values{}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return unmarshalGroups(envelope)
}

// GetGroupStatus returns the current members of an elastigroup. Members
// still being fulfilled have an empty instance id.
func (c *SpotinstClient) GetGroupStatus(ctx context.Context, groupID string) ([]ElastigroupInstance, error) {
	envelope, err := c.throttled(ctx, func() (*spotinstEnvelope, error) {
		return convertResponse(c.Get(ctx, c.Endpoint("group", groupID, "status"), url.Values{}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	instances := make([]ElastigroupInstance, 0, len(envelope.Response.Items))
	for _, item := range envelope.Response.Items {
		var instance ElastigroupInstance
		if err := json.Unmarshal(item, &instance); err != nil {
			return nil, trace.Wrap(err)
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// DeleteGroup deletes an elastigroup and terminates its members
func (c *SpotinstClient) DeleteGroup(ctx context.Context, groupID string) error {
	_, err := c.throttled(ctx, func() (*spotinstEnvelope, error) {
		return convertResponse(c.Delete(ctx, c.Endpoint("group", groupID)))
	})
	return trace.Wrap(err)
}

// RollGroup replaces the group's instances in batches of the given
// percentage, giving each batch gracePeriod to pass health checks
func (c *SpotinstClient) RollGroup(ctx context.Context, groupID string, batchPercentage int, gracePeriod time.Duration) error {
	payload := map[string]interface{}{
		"batchSizePercentage": batchPercentage,
		"gracePeriod":         int(gracePeriod.Seconds()),
		"strategy": map[string]string{
			"action": "REPLACE_SERVER",
		},
	}
	_, err := c.throttled(ctx, func() (*spotinstEnvelope, error) {
		return convertResponse(c.PutJSON(ctx, c.Endpoint("group", groupID, "roll"), payload))
	})
	return trace.Wrap(err)
}

func unmarshalGroups(envelope *spotinstEnvelope) ([]*Elastigroup, error) {
	groups := make([]*Elastigroup, 0, len(envelope.Response.Items))
	for _, item := range envelope.Response.Items {
		var group Elastigroup
		if err := json.Unmarshal(item, &group); err != nil {
			return nil, trace.Wrap(err)
		}
		groups = append(groups, &group)
	}
	return groups, nil
}

// elastigroupRequest is the request wrapper for create and update calls
type elastigroupRequest struct {
	Group *Elastigroup `json:"group"`
}

// Elastigroup is the provider's wire representation of a group. Partial
// updates rely on omitempty: absent sections are left unchanged.
type Elastigroup struct {
	ID          string                 `json:"id,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Capacity    *ElastigroupCapacity   `json:"capacity,omitempty"`
	Strategy    *ElastigroupStrategy   `json:"strategy,omitempty"`
	Compute     *ElastigroupCompute    `json:"compute,omitempty"`
	Scheduling  *ElastigroupScheduling `json:"scheduling,omitempty"`
}

// ElastigroupCapacity is the group's sizing section
type ElastigroupCapacity struct {
	Target  *int64 `json:"target,omitempty"`
	Minimum *int64 `json:"minimum,omitempty"`
	Maximum *int64 `json:"maximum,omitempty"`
	Unit    string `json:"unit,omitempty"`
}

// ElastigroupStrategy is the spot-vs-on-demand risk section. Risk is the
// percentage of capacity to run on the spot market; OnDemandCount is an
// absolute reserve. Exactly one of the two is set.
type ElastigroupStrategy struct {
	Risk                     *int64 `json:"risk"`
	OnDemandCount            *int64 `json:"onDemandCount"`
	AvailabilityVsCost       string `json:"availabilityVsCost,omitempty"`
	UtilizeReservedInstances bool   `json:"utilizeReservedInstances,omitempty"`
	FallbackToOd             bool   `json:"fallbackToOd,omitempty"`
}

// ElastigroupCompute is the group's placement and launch section
type ElastigroupCompute struct {
	Product             string                    `json:"product,omitempty"`
	InstanceTypes       *ElastigroupInstanceTypes `json:"instanceTypes,omitempty"`
	AvailabilityZones   []ElastigroupZone         `json:"availabilityZones,omitempty"`
	LaunchSpecification *ElastigroupLaunchSpec    `json:"launchSpecification,omitempty"`
}

// ElastigroupInstanceTypes lists the on-demand fallback type and the spot
// market alternatives
type ElastigroupInstanceTypes struct {
	OnDemand string   `json:"ondemand,omitempty"`
	Spot     []string `json:"spot,omitempty"`
}

// ElastigroupZone maps an availability zone to its subnets
type ElastigroupZone struct {
	Name      string   `json:"name,omitempty"`
	SubnetID  string   `json:"subnetId,omitempty"`
	SubnetIDs []string `json:"subnetIds,omitempty"`
}

// ElastigroupLaunchSpec mirrors a launch configuration
type ElastigroupLaunchSpec struct {
	ImageID             string                        `json:"imageId,omitempty"`
	KeyPair             string                        `json:"keyPair,omitempty"`
	SecurityGroupIDs    []string                      `json:"securityGroupIds,omitempty"`
	Monitoring          bool                          `json:"monitoring,omitempty"`
	EBSOptimized        bool                          `json:"ebsOptimized,omitempty"`
	UserData            string                        `json:"userData,omitempty"`
	IamRole             *ElastigroupIamRole           `json:"iamRole,omitempty"`
	LoadBalancersConfig *ElastigroupLoadBalancers     `json:"loadBalancersConfig,omitempty"`
	NetworkInterfaces   []ElastigroupNetworkInterface `json:"networkInterfaces,omitempty"`
	Tags                []ElastigroupTag              `json:"tags,omitempty"`
}

// ElastigroupIamRole names the instance profile group members assume
type ElastigroupIamRole struct {
	Name string `json:"name,omitempty"`
}

// ElastigroupLoadBalancers wraps the attached load balancer list. The
// provider reports a null list, not an empty one, when nothing is attached.
type ElastigroupLoadBalancers struct {
	LoadBalancers []ElastigroupLoadBalancer `json:"loadBalancers"`
}

// ElastigroupLoadBalancer is a single load balancer attachment
type ElastigroupLoadBalancer struct {
	Name string `json:"name,omitempty"`
	Arn  string `json:"arn,omitempty"`
	Type string `json:"type,omitempty"`
}

// ElastigroupNetworkInterface configures member network interfaces
type ElastigroupNetworkInterface struct {
	DeviceIndex              int  `json:"deviceIndex"`
	DeleteOnTermination      bool `json:"deleteOnTermination"`
	AssociatePublicIPAddress bool `json:"associatePublicIpAddress"`
}

// ElastigroupTag is a tag on group members
type ElastigroupTag struct {
	TagKey   string `json:"tagKey"`
	TagValue string `json:"tagValue"`
}

// ElastigroupScheduling holds the group's recurring capacity overrides
type ElastigroupScheduling struct {
	Tasks []ElastigroupTask `json:"tasks"`
}

// ElastigroupTask is a single recurring capacity override
type ElastigroupTask struct {
	TaskType            string `json:"taskType,omitempty"`
	CronExpression      string `json:"cronExpression,omitempty"`
	ScaleMinCapacity    *int64 `json:"scaleMinCapcity,omitempty"`
	ScaleTargetCapacity *int64 `json:"scaleTargetCapacity,omitempty"`
	ScaleMaxCapacity    *int64 `json:"scaleMaxCapcity,omitempty"`
}

// ElastigroupInstance is a group member as reported by the status API
type ElastigroupInstance struct {
	InstanceID       string `json:"instanceId"`
	SpotInstanceType string `json:"spotInstanceRequestId,omitempty"`
	InstanceType     string `json:"instanceType,omitempty"`
	AvailabilityZone string `json:"availabilityZone,omitempty"`
	Status           string `json:"status,omitempty"`
}

// String returns a human-readable group description
func (g *Elastigroup) String() string {
	return fmt.Sprintf("elastigroup(%v, %v)", g.Name, g.ID)
}

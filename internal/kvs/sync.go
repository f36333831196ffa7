// Package kvs mirrors a redirect table into a CloudFront KeyValueStore.
package kvs

import (
	"context"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore"
	cfkvstypes "github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore/types"
	"github.com/pkg/errors"

	"github.com/mrled/hedgesite/internal/deployerr"
	"github.com/mrled/hedgesite/internal/retry"
)

// KVSClient abstracts the CloudFront KeyValueStore API.
type KVSClient interface {
	DescribeKeyValueStore(ctx context.Context, params *cloudfrontkeyvaluestore.DescribeKeyValueStoreInput, optFns ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.DescribeKeyValueStoreOutput, error)
	ListKeys(ctx context.Context, params *cloudfrontkeyvaluestore.ListKeysInput, optFns ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.ListKeysOutput, error)
	UpdateKeys(ctx context.Context, params *cloudfrontkeyvaluestore.UpdateKeysInput, optFns ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.UpdateKeysOutput, error)
}

// ARNResolver abstracts KeyValueStore lookup by name.
type ARNResolver interface {
	ListKeyValueStores(ctx context.Context, params *cloudfront.ListKeyValueStoresInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListKeyValueStoresOutput, error)
}

// maxKeysPerBatch is the UpdateKeys limit.
// See: https://docs.aws.amazon.com/AmazonCloudFront/latest/DeveloperGuide/cloudfront-limits.html
const maxKeysPerBatch = 50

// ResolveARN finds the ARN of the KeyValueStore called name.
func ResolveARN(ctx context.Context, client ARNResolver, name string) (string, error) {
	var marker *string
	for {
		resp, err := client.ListKeyValueStores(ctx, &cloudfront.ListKeyValueStoresInput{Marker: marker})
		if err != nil {
			return "", errors.Wrap(deployerr.Classify(err), "listing key value stores")
		}
		if resp.KeyValueStoreList == nil {
			break
		}
		for _, item := range resp.KeyValueStoreList.Items {
			if aws.ToString(item.Name) == name && item.ARN != nil {
				return *item.ARN, nil
			}
		}
		marker = resp.KeyValueStoreList.NextMarker
		if marker == nil {
			break
		}
	}
	return "", errors.Errorf("key value store not found: %s", name)
}

// ComputeSyncPlan compares desired state against the existing store
// contents (key -> value).
func ComputeSyncPlan(desired *Data, existing map[string]string) *SyncPlan {
	plan := &SyncPlan{}

	desiredKeys := make(map[string]bool, len(desired.Entries))
	for _, e := range desired.Entries {
		desiredKeys[e.Key] = true
		if v, ok := existing[e.Key]; !ok || v != e.Value {
			plan.Puts = append(plan.Puts, e)
		}
	}
	for key := range existing {
		if !desiredKeys[key] {
			plan.Deletes = append(plan.Deletes, key)
		}
	}

	sort.Slice(plan.Puts, func(i, j int) bool { return plan.Puts[i].Key < plan.Puts[j].Key })
	sort.Strings(plan.Deletes)
	return plan
}

// FetchExistingKeys returns every key and value in the store together with
// the store ETag required by UpdateKeys.
func FetchExistingKeys(ctx context.Context, client KVSClient, arn string, policy retry.Policy) (map[string]string, string, error) {
	var etag string
	err := policy.Do(ctx, "describe key value store", func(ctx context.Context) error {
		desc, err := client.DescribeKeyValueStore(ctx, &cloudfrontkeyvaluestore.DescribeKeyValueStoreInput{KvsARN: &arn})
		if err != nil {
			return err
		}
		etag = aws.ToString(desc.ETag)
		return nil
	})
	if err != nil {
		return nil, "", errors.Wrap(deployerr.Classify(err), "describing key value store")
	}

	existing := make(map[string]string)
	var nextToken *string
	for {
		var resp *cloudfrontkeyvaluestore.ListKeysOutput
		err := policy.Do(ctx, "list keys", func(ctx context.Context) error {
			var err error
			resp, err = client.ListKeys(ctx, &cloudfrontkeyvaluestore.ListKeysInput{
				KvsARN:    &arn,
				NextToken: nextToken,
			})
			return err
		})
		if err != nil {
			return nil, "", errors.Wrap(deployerr.Classify(err), "listing key value store keys")
		}
		for _, item := range resp.Items {
			existing[aws.ToString(item.Key)] = aws.ToString(item.Value)
		}
		nextToken = resp.NextToken
		if nextToken == nil {
			break
		}
	}

	return existing, etag, nil
}

// Sync applies plan using batched UpdateKeys calls, puts first. Each batch
// is conditional on the ETag returned by the previous one.
func Sync(ctx context.Context, client KVSClient, arn, etag string, plan *SyncPlan, logger *slog.Logger) error {
	if plan.Empty() {
		return nil
	}

	type op struct {
		put *cfkvstypes.PutKeyRequestListItem
		del *cfkvstypes.DeleteKeyRequestListItem
	}
	ops := make([]op, 0, len(plan.Puts)+len(plan.Deletes))
	for _, e := range plan.Puts {
		ops = append(ops, op{put: &cfkvstypes.PutKeyRequestListItem{Key: aws.String(e.Key), Value: aws.String(e.Value)}})
	}
	for _, key := range plan.Deletes {
		ops = append(ops, op{del: &cfkvstypes.DeleteKeyRequestListItem{Key: aws.String(key)}})
	}

	currentETag := etag
	for start := 0; start < len(ops); start += maxKeysPerBatch {
		end := min(start+maxKeysPerBatch, len(ops))

		var puts []cfkvstypes.PutKeyRequestListItem
		var deletes []cfkvstypes.DeleteKeyRequestListItem
		for _, o := range ops[start:end] {
			if o.put != nil {
				puts = append(puts, *o.put)
			} else {
				deletes = append(deletes, *o.del)
			}
		}

		resp, err := client.UpdateKeys(ctx, &cloudfrontkeyvaluestore.UpdateKeysInput{
			KvsARN:  &arn,
			IfMatch: aws.String(currentETag),
			Puts:    puts,
			Deletes: deletes,
		})
		if err != nil {
			return errors.Wrapf(deployerr.Classify(err), "updating key value store (operations %d-%d of %d)", start+1, end, len(ops))
		}
		logger.Debug("key value store batch applied", "puts", len(puts), "deletes", len(deletes))

		if resp.ETag != nil {
			currentETag = *resp.ETag
		}
	}

	return nil
}

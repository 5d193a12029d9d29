package codec

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DecodeError reports a log that could not be decoded against either ABI.
// Such logs are fatal for the individual log only: callers log and skip them.
type DecodeError struct {
	Topic common.Hash
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode log with topic %s: %v", e.Topic.Hex(), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Codec decodes raw contract logs into typed events. Topic hashes are
// precomputed from the embedded ABIs at construction.
type Codec struct {
	factory  abi.ABI
	campaign abi.ABI

	campaignCreatedTopic  common.Hash
	donationReceivedTopic common.Hash
	withdrawnTopic        common.Hash
	refundedTopic         common.Hash
}

// New parses the embedded ABIs and precomputes the event topic hashes.
func New() (*Codec, error) {
	factoryABI, err := abi.JSON(strings.NewReader(factoryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse factory ABI: %w", err)
	}

	campaignABI, err := abi.JSON(strings.NewReader(campaignABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse campaign ABI: %w", err)
	}

	return &Codec{
		factory:               factoryABI,
		campaign:              campaignABI,
		campaignCreatedTopic:  factoryABI.Events[EventCampaignCreated].ID,
		donationReceivedTopic: campaignABI.Events[EventDonationReceived].ID,
		withdrawnTopic:        campaignABI.Events[EventWithdrawn].ID,
		refundedTopic:         campaignABI.Events[EventRefunded].ID,
	}, nil
}

// CampaignCreatedTopic returns the topic0 hash of the CampaignCreated event.
func (c *Codec) CampaignCreatedTopic() common.Hash { return c.campaignCreatedTopic }

// CampaignTopics returns the topic0 hashes of all campaign contract events.
func (c *Codec) CampaignTopics() []common.Hash {
	return []common.Hash{c.donationReceivedTopic, c.withdrawnTopic, c.refundedTopic}
}

// Decode converts a raw log into a typed event. It is a total function:
// any log that does not match a known event signature, or whose topics or
// data do not fit the signature, yields a *DecodeError.
func (c *Codec) Decode(log types.Log) (Event, error) {
	if len(log.Topics) == 0 {
		return nil, &DecodeError{Err: fmt.Errorf("log has no topics")}
	}

	topic := log.Topics[0]
	switch topic {
	case c.campaignCreatedTopic:
		return c.decodeCampaignCreated(log)
	case c.donationReceivedTopic:
		return c.decodeDonationReceived(log)
	case c.withdrawnTopic:
		return c.decodeWithdrawn(log)
	case c.refundedTopic:
		return c.decodeRefunded(log)
	default:
		return nil, &DecodeError{Topic: topic, Err: fmt.Errorf("unknown event signature")}
	}
}

func (c *Codec) decodeCampaignCreated(log types.Log) (Event, error) {
	const indexed = 3
	if len(log.Topics) != indexed+1 {
		return nil, &DecodeError{Topic: log.Topics[0],
			Err: fmt.Errorf("expected %d indexed topics, got %d", indexed, len(log.Topics)-1)}
	}

	values, err := c.factory.Unpack(EventCampaignCreated, log.Data)
	if err != nil {
		return nil, &DecodeError{Topic: log.Topics[0], Err: err}
	}
	if len(values) != 3 {
		return nil, &DecodeError{Topic: log.Topics[0],
			Err: fmt.Errorf("expected 3 data values, got %d", len(values))}
	}

	goal, err := bigIntValue(values, 0)
	if err != nil {
		return nil, &DecodeError{Topic: log.Topics[0], Err: err}
	}
	deadline, err := bigIntValue(values, 1)
	if err != nil {
		return nil, &DecodeError{Topic: log.Topics[0], Err: err}
	}
	cid, ok := values[2].(string)
	if !ok {
		return nil, &DecodeError{Topic: log.Topics[0], Err: fmt.Errorf("cid is not a string")}
	}

	return &CampaignCreated{
		Factory:  topicAddress(log.Topics[1]),
		Campaign: topicAddress(log.Topics[2]),
		Creator:  topicAddress(log.Topics[3]),
		Goal:     goal,
		Deadline: deadline,
		CID:      cid,
	}, nil
}

func (c *Codec) decodeDonationReceived(log types.Log) (Event, error) {
	if err := checkIndexed(log, 2); err != nil {
		return nil, err
	}

	values, err := c.campaign.Unpack(EventDonationReceived, log.Data)
	if err != nil {
		return nil, &DecodeError{Topic: log.Topics[0], Err: err}
	}

	amount, err := bigIntValue(values, 0)
	if err != nil {
		return nil, &DecodeError{Topic: log.Topics[0], Err: err}
	}
	newTotal, err := bigIntValue(values, 1)
	if err != nil {
		return nil, &DecodeError{Topic: log.Topics[0], Err: err}
	}
	timestamp, err := bigIntValue(values, 2)
	if err != nil {
		return nil, &DecodeError{Topic: log.Topics[0], Err: err}
	}

	return &DonationReceived{
		Campaign:       topicAddress(log.Topics[1]),
		Donor:          topicAddress(log.Topics[2]),
		Amount:         amount,
		NewTotalRaised: newTotal,
		Timestamp:      timestamp,
	}, nil
}

func (c *Codec) decodeWithdrawn(log types.Log) (Event, error) {
	if err := checkIndexed(log, 2); err != nil {
		return nil, err
	}

	values, err := c.campaign.Unpack(EventWithdrawn, log.Data)
	if err != nil {
		return nil, &DecodeError{Topic: log.Topics[0], Err: err}
	}

	amount, err := bigIntValue(values, 0)
	if err != nil {
		return nil, &DecodeError{Topic: log.Topics[0], Err: err}
	}
	timestamp, err := bigIntValue(values, 1)
	if err != nil {
		return nil, &DecodeError{Topic: log.Topics[0], Err: err}
	}

	return &Withdrawn{
		Campaign:  topicAddress(log.Topics[1]),
		Creator:   topicAddress(log.Topics[2]),
		Amount:    amount,
		Timestamp: timestamp,
	}, nil
}

func (c *Codec) decodeRefunded(log types.Log) (Event, error) {
	if err := checkIndexed(log, 2); err != nil {
		return nil, err
	}

	values, err := c.campaign.Unpack(EventRefunded, log.Data)
	if err != nil {
		return nil, &DecodeError{Topic: log.Topics[0], Err: err}
	}

	amount, err := bigIntValue(values, 0)
	if err != nil {
		return nil, &DecodeError{Topic: log.Topics[0], Err: err}
	}
	timestamp, err := bigIntValue(values, 1)
	if err != nil {
		return nil, &DecodeError{Topic: log.Topics[0], Err: err}
	}

	return &Refunded{
		Campaign:  topicAddress(log.Topics[1]),
		Donor:     topicAddress(log.Topics[2]),
		Amount:    amount,
		Timestamp: timestamp,
	}, nil
}

func checkIndexed(log types.Log, indexed int) error {
	if len(log.Topics) != indexed+1 {
		return &DecodeError{Topic: log.Topics[0],
			Err: fmt.Errorf("expected %d indexed topics, got %d", indexed, len(log.Topics)-1)}
	}
	return nil
}

func topicAddress(topic common.Hash) common.Address {
	return common.BytesToAddress(topic.Bytes())
}

func bigIntValue(values []any, i int) (*big.Int, error) {
	if i >= len(values) {
		return nil, fmt.Errorf("missing data value at index %d", i)
	}
	v, ok := values[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("data value %d is %T, not *big.Int", i, values[i])
	}
	return v, nil
}

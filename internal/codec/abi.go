package codec

// Event fragments of the two contract ABIs the indexer reads. The full
// contract ABIs live with the contracts themselves; only the event
// definitions matter for log decoding.

const factoryABIJSON = `[
	{
		"type": "event",
		"name": "CampaignCreated",
		"inputs": [
			{"name": "factory", "type": "address", "indexed": true},
			{"name": "campaign", "type": "address", "indexed": true},
			{"name": "creator", "type": "address", "indexed": true},
			{"name": "goal", "type": "uint256", "indexed": false},
			{"name": "deadline", "type": "uint256", "indexed": false},
			{"name": "cid", "type": "string", "indexed": false}
		]
	}
]`

const campaignABIJSON = `[
	{
		"type": "event",
		"name": "DonationReceived",
		"inputs": [
			{"name": "campaign", "type": "address", "indexed": true},
			{"name": "donor", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false},
			{"name": "newTotalRaised", "type": "uint256", "indexed": false},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "Withdrawn",
		"inputs": [
			{"name": "campaign", "type": "address", "indexed": true},
			{"name": "creator", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "Refunded",
		"inputs": [
			{"name": "campaign", "type": "address", "indexed": true},
			{"name": "donor", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]
	}
]`

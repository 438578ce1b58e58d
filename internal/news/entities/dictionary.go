package entities

import "polyflux/internal/news/model"

// dictionary is the curated term list per entity type. Terms are matched
// case-insensitively on word boundaries; wellKnown entries earn the +0.2
// confidence boost.
type dictionary struct {
	kind      model.EntityType
	terms     []string
	wellKnown map[string]bool
}

func wellKnownSet(terms ...string) map[string]bool {
	set := make(map[string]bool, len(terms))
	for _, t := range terms {
		set[t] = true
	}
	return set
}

var dictionaries = []dictionary{
	{
		kind: model.EntityToken,
		terms: []string{
			"Bitcoin", "BTC", "Ethereum", "ETH", "Solana", "SOL", "XRP",
			"Dogecoin", "DOGE", "Cardano", "ADA", "USDC", "USDT", "Tether",
			"BNB", "Polygon", "MATIC", "Avalanche", "AVAX", "Chainlink",
			"LINK", "Litecoin", "LTC", "Polkadot", "DOT", "Shiba Inu",
		},
		wellKnown: wellKnownSet("bitcoin", "btc", "ethereum", "eth", "solana", "xrp", "usdt", "usdc"),
	},
	{
		kind: model.EntityProtocol,
		terms: []string{
			"Uniswap", "Aave", "Lido", "MakerDAO", "Compound", "Curve",
			"Arbitrum", "Optimism", "Base", "Lightning Network", "EigenLayer",
			"dYdX", "GMX", "Pendle",
		},
		wellKnown: wellKnownSet("uniswap", "aave", "lido", "arbitrum", "optimism"),
	},
	{
		kind: model.EntityOrganization,
		terms: []string{
			"Coinbase", "Binance", "Kraken", "BlackRock", "Fidelity",
			"Grayscale", "MicroStrategy", "Tesla", "Goldman Sachs",
			"JPMorgan", "Morgan Stanley", "Circle", "Ripple", "OpenAI",
			"Nvidia", "Apple", "Microsoft", "Meta", "Alphabet", "Amazon",
			"Robinhood", "PayPal", "Visa", "Mastercard", "Polymarket",
		},
		wellKnown: wellKnownSet("coinbase", "binance", "blackrock", "tesla", "nvidia", "apple", "microsoft"),
	},
	{
		kind: model.EntityGovernmentBody,
		terms: []string{
			"Federal Reserve", "Fed", "SEC", "CFTC", "Treasury", "FDIC",
			"ECB", "Bank of England", "Bank of Japan", "IMF", "White House",
			"Congress", "Senate", "Supreme Court", "DOJ", "FBI", "IRS",
			"European Commission", "FOMC",
		},
		wellKnown: wellKnownSet("federal reserve", "fed", "sec", "ecb", "treasury", "fomc"),
	},
	{
		kind: model.EntityCountry,
		terms: []string{
			"United States", "China", "Japan", "Germany", "France",
			"United Kingdom", "Russia", "India", "Brazil", "South Korea",
			"El Salvador", "Switzerland", "Singapore", "Ukraine", "Israel",
			"Iran", "Saudi Arabia", "Argentina", "Canada", "Mexico",
		},
		wellKnown: wellKnownSet("united states", "china", "japan", "russia", "ukraine"),
	},
	{
		kind: model.EntityLocation,
		terms: []string{
			"Wall Street", "Silicon Valley", "New York", "London",
			"Hong Kong", "Brussels", "Washington", "Davos", "Jackson Hole",
		},
		wellKnown: wellKnownSet("wall street", "new york", "london", "hong kong"),
	},
	{
		kind: model.EntityPerson,
		terms: []string{
			"Jerome Powell", "Janet Yellen", "Gary Gensler", "Elon Musk",
			"Donald Trump", "Joe Biden", "Kamala Harris", "Vladimir Putin",
			"Xi Jinping", "Christine Lagarde", "Michael Saylor",
			"Sam Altman", "Vitalik Buterin", "Brian Armstrong", "Larry Fink",
		},
		wellKnown: wellKnownSet("jerome powell", "elon musk", "donald trump", "vitalik buterin"),
	},
	{
		kind: model.EntityEvent,
		terms: []string{
			"halving", "hard fork", "airdrop", "mainnet launch", "ETF approval",
			"rate cut", "rate hike", "earnings report", "election",
			"hack", "exploit", "bankruptcy", "settlement", "listing", "delisting",
		},
		wellKnown: wellKnownSet("halving", "etf approval", "rate cut", "rate hike", "election"),
	},
}

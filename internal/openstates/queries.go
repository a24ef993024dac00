package openstates

const voteEventNodeFields = `
            id
            motionText
            result
            startDate
            updatedAt
            organization { classification name }
            bill { id identifier }
            votes {
              option
              voter { id name }
            }`

const billVotesQuery = `
  query BillVotes($id: String!, $first: Int!, $after: String, $since: DateTime) {
    bill(id: $id) {
      id
      identifier
      title
      votes(first: $first, after: $after, updatedSince: $since) {
        pageInfo { hasNextPage endCursor }
        edges {
          node {` + voteEventNodeFields + `
          }
        }
      }
    }
  }
`

// billVotesLegacyQuery omits updatedSince for provider schemas without it.
const billVotesLegacyQuery = `
  query BillVotes($id: String!, $first: Int!, $after: String) {
    bill(id: $id) {
      id
      identifier
      title
      votes(first: $first, after: $after) {
        pageInfo { hasNextPage endCursor }
        edges {
          node {` + voteEventNodeFields + `
          }
        }
      }
    }
  }
`

const recentVoteEventsQuery = `
  query RecentVoteEvents($since: DateTime!, $first: Int!, $after: String) {
    voteEvents(updatedSince: $since, first: $first, after: $after) {
      pageInfo { hasNextPage endCursor }
      edges {
        node {` + voteEventNodeFields + `
        }
      }
    }
  }
`

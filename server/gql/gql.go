package gql

import (
	"github.com/gobuffalo/packr/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/graph-gophers/graphql-go"
	jsoniter "github.com/json-iterator/go"

	"github.com/troydota/api.vote.komodohype.dev/guard"
	"github.com/troydota/api.vote.komodohype.dev/server/gql/resolvers"
	"github.com/troydota/api.vote.komodohype.dev/utils"

	log "github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type GQLRequest struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
	OperationName string                 `json:"operation_name"`
}

// MustParseSchema parses the boxed schema against root.
func MustParseSchema(root *resolvers.RootResolver) *graphql.Schema {
	box := packr.New("gql", "./schema")

	s, err := box.FindString("schema.gql")
	if err != nil {
		panic(err)
	}

	return graphql.MustParseSchema(s, root, graphql.UseFieldResolvers())
}

func GQL(app fiber.Router, root *resolvers.RootResolver) {
	gql := app.Group("/gql")

	schema := MustParseSchema(root)

	gql.Post("/", func(c *fiber.Ctx) error {
		req := &GQLRequest{}
		if err := json.Unmarshal(c.Body(), req); err != nil || req.Query == "" {
			log.WithField("component", "gql").Debugf("gql req, err=%v", err)
			return c.Status(400).JSON(fiber.Map{
				"status":  400,
				"message": "Invalid GraphQL Request.",
			})
		}

		ctx := utils.WithVoterID(c.UserContext(), guard.FromLocals(c))
		result := schema.Exec(ctx, req.Query, req.OperationName, req.Variables)

		status := 200

		if len(result.Errors) > 0 {
			status = 400
		}

		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Status(status).Send(data)
	})
}

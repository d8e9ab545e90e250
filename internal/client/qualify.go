package client

import (
	"context"
	"fmt"
	"time"

	"crowdmirror/internal/domain"
	"crowdmirror/internal/wire"
)

const clickThroughTestTemplate = `<QuestionForm xmlns="http://mechanicalturk.amazonaws.com/AWSMechanicalTurkDataSchemas/2005-10-01/QuestionForm.xsd">
  <Overview>
    <FormattedContent><![CDATA[%s]]></FormattedContent>
  </Overview>
  <Question>
    <QuestionIdentifier>do_you_agree</QuestionIdentifier>
    <IsRequired>true</IsRequired>
    <QuestionContent><Text>Do you agree to the terms above?</Text></QuestionContent>
    <AnswerSpecification>
      <SelectionAnswer>
        <StyleSuggestion>checkbox</StyleSuggestion>
        <Selections>
          <Selection>
            <SelectionIdentifier>agree</SelectionIdentifier>
            <Text>I agree</Text>
          </Selection>
        </Selections>
      </SelectionAnswer>
    </AnswerSpecification>
  </Question>
</QuestionForm>`

const clickThroughAnswerKey = `<AnswerKey xmlns="http://mechanicalturk.amazonaws.com/AWSMechanicalTurkDataSchemas/2005-10-01/AnswerKey.xsd">
  <Question>
    <QuestionIdentifier>do_you_agree</QuestionIdentifier>
    <AnswerOption>
      <SelectionIdentifier>agree</SelectionIdentifier>
      <AnswerScore>1</AnswerScore>
    </AnswerOption>
  </Question>
</AnswerKey>`

// CreateClickThroughQualification builds a qualification a worker earns by
// agreeing to the given terms. The returned requirement can be attached to
// a work unit type so only agreeing workers may accept its units. Creation
// reuses an identically-specified existing type, so repeated calls with
// the same name and terms are safe.
func (c *Client) CreateClickThroughQualification(ctx context.Context, name, terms string, requiredToPreview bool) (domain.QualificationRequirement, error) {
	qt, err := c.CreateQualificationType(ctx, wire.QualTypeParams{
		Name:            name,
		Description:     fmt.Sprintf("Agree to the terms of %q before working on these tasks.", name),
		InitiallyActive: true,
		Test:            fmt.Sprintf(clickThroughTestTemplate, terms),
		AnswerKey:       clickThroughAnswerKey,
		TestDuration:    30 * time.Minute,
		RetryDelay:      time.Minute,
	})
	if err != nil {
		return domain.QualificationRequirement{}, err
	}
	granted := 1
	return domain.QualificationRequirement{
		QualificationTypeID: qt.ID,
		Comparator:          "EqualTo",
		IntegerValue:        &granted,
		RequiredToPreview:   requiredToPreview,
	}, nil
}

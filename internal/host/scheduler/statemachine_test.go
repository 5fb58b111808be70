package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

func TestValidateTransition_AllowsHappyPath(t *testing.T) {
	cases := []struct {
		from, to models.TaskStatus
	}{
		{models.StatusPendingApproval, models.StatusPending},
		{models.StatusPending, models.StatusAssigning},
		{models.StatusAssigning, models.StatusRunning},
		{models.StatusRunning, models.StatusCompleted},
		{models.StatusRunning, models.StatusPaused},
		{models.StatusPaused, models.StatusRunning},
		{models.StatusAssigning, models.StatusLost},
		{models.StatusPaused, models.StatusLost},
	}
	for _, c := range cases {
		err := ValidateTransition(models.TaskKindCommand, c.from, c.to)
		assert.NoError(t, err, "%s -> %s should be legal", c.from, c.to)
	}
}

func TestValidateTransition_RejectsIllegalEdge(t *testing.T) {
	err := ValidateTransition(models.TaskKindCommand, models.StatusCompleted, models.StatusRunning)
	assert.Error(t, err)

	err = ValidateTransition(models.TaskKindCommand, models.StatusPendingApproval, models.StatusRunning)
	assert.Error(t, err)
}

func TestValidateTransition_LostToRunningIsVPSOnly(t *testing.T) {
	err := ValidateTransition(models.TaskKindVPS, models.StatusLost, models.StatusRunning)
	assert.NoError(t, err)

	err = ValidateTransition(models.TaskKindCommand, models.StatusLost, models.StatusRunning)
	assert.Error(t, err, "command tasks must not resume from lost")
}

func TestInitialStatus(t *testing.T) {
	assert.Equal(t, models.StatusPendingApproval, InitialStatus(models.RoleUser))
	assert.Equal(t, models.StatusPendingApproval, InitialStatus(models.RoleViewer))
	assert.Equal(t, models.StatusPending, InitialStatus(models.RoleOperator))
	assert.Equal(t, models.StatusPending, InitialStatus(models.RoleAdmin))
}
